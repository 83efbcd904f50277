package statement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zombor/statement-digitizer/internal/scanning"
)

// Record is one transaction row traced back to the image it came from.
type Record struct {
	Source         string   `json:"source_image"`
	Ref            string   `json:"source_ref"`
	Date           string   `json:"date"`
	Description    string   `json:"description"`
	Amount         string   `json:"amount"`
	RunningBalance string   `json:"running_balance,omitempty"`
	Valid          bool     `json:"valid"`
	LowConfidence  bool     `json:"low_confidence"`
	Issues         []string `json:"issues,omitempty"`
}

// Warning reports a row that is kept in the table but failed validation.
type Warning struct {
	Ref     string `json:"source_ref"`
	Message string `json:"message"`
}

// Table is the ordered result of a run: images in upload order, rows in the
// order the model returned them.
type Table struct {
	Records  []Record  `json:"records"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Valid returns only the rows that passed validation.
func (t *Table) Valid() []Record {
	var out []Record
	for _, r := range t.Records {
		if r.Valid {
			out = append(out, r)
		}
	}
	return out
}

// Total sums the amounts of valid rows.
func (t *Table) Total() decimal.Decimal {
	total := decimal.Zero
	for _, r := range t.Records {
		if !r.Valid {
			continue
		}
		if d, err := decimal.NewFromString(r.Amount); err == nil {
			total = total.Add(d)
		}
	}
	return total
}

// ImageResult is the extraction output for one image.
type ImageResult struct {
	Index         int
	Source        string
	LowConfidence bool
	Rows          []scanning.Transaction
}

func ref(source string, row int) string {
	return fmt.Sprintf("%s#%d", source, row)
}
