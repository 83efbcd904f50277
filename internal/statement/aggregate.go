package statement

import (
	"slices"
	"strings"

	"github.com/zombor/statement-digitizer/internal/scanning"
)

// Aggregate merges per-image results into one table. Images are ordered by
// input index regardless of the order they completed in; rows keep the
// model's order. Dates and amounts are rewritten to canonical form. Rows that
// cannot be normalized are kept, marked invalid and reported as warnings.
//
// Rows are not deduplicated, within or across images.
func Aggregate(results []ImageResult) *Table {
	sorted := slices.Clone(results)
	slices.SortStableFunc(sorted, func(a, b ImageResult) int {
		return a.Index - b.Index
	})

	table := &Table{}
	for _, res := range sorted {
		for i, tx := range res.Rows {
			rec := canonicalize(res, i+1, tx)
			if !rec.Valid {
				table.Warnings = append(table.Warnings, Warning{
					Ref:     rec.Ref,
					Message: strings.Join(rec.Issues, "; "),
				})
			}
			table.Records = append(table.Records, rec)
		}
	}
	return table
}

func canonicalize(res ImageResult, row int, tx scanning.Transaction) Record {
	rec := Record{
		Source:        res.Source,
		Ref:           ref(res.Source, row),
		Date:          strings.TrimSpace(tx.Date),
		Description:   strings.Join(strings.Fields(tx.Description), " "),
		Amount:        strings.TrimSpace(tx.Amount),
		LowConfidence: res.LowConfidence,
		Issues:        slices.Clone(tx.Issues),
	}
	if tx.RunningBalance != nil {
		rec.RunningBalance = strings.TrimSpace(*tx.RunningBalance)
	}

	issues := len(rec.Issues)
	if rec.Date != "" {
		if d, err := scanning.ParseDate(rec.Date); err == nil {
			rec.Date = d
		} else if issues == 0 {
			rec.Issues = append(rec.Issues, scanning.FieldDate+": "+err.Error())
		}
	}
	if rec.Amount != "" {
		if a, err := scanning.ParseAmount(rec.Amount); err == nil {
			rec.Amount = scanning.FormatAmount(a)
		} else if issues == 0 {
			rec.Issues = append(rec.Issues, scanning.FieldAmount+": "+err.Error())
		}
	}
	if rec.RunningBalance != "" {
		if b, err := scanning.ParseAmount(rec.RunningBalance); err == nil {
			rec.RunningBalance = scanning.FormatAmount(b)
		} else if issues == 0 {
			rec.Issues = append(rec.Issues, scanning.FieldRunningBalance+": "+err.Error())
		}
	}

	rec.Valid = tx.Valid && len(rec.Issues) == 0
	if !rec.Valid && len(rec.Issues) == 0 {
		rec.Issues = []string{"rejected during extraction"}
	}
	return rec
}
