package statement

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ColumnsVersion identifies the export column layout. Bump it whenever
// Columns or a column's encoding changes.
const ColumnsVersion = "2"

// Columns is the export header: the schema fields followed by provenance
// and review columns.
var Columns = []string{
	"date",
	"description",
	"amount",
	"running_balance",
	"source_image",
	"source_ref",
	"valid",
	"low_confidence",
	"issues",
}

// SheetName is the worksheet used by WriteXLSX.
const SheetName = "Transactions"

func (r Record) row() []string {
	return []string{
		r.Date,
		r.Description,
		r.Amount,
		r.RunningBalance,
		r.Source,
		r.Ref,
		strconv.FormatBool(r.Valid),
		strconv.FormatBool(r.LowConfidence),
		issuesCell(r.Issues),
	}
}

// issuesCell encodes issues as a JSON array so any issue text survives a
// round trip. It is empty when there are no issues.
func issuesCell(issues []string) string {
	if len(issues) == 0 {
		return ""
	}
	// A string slice always marshals.
	b, _ := json.Marshal(issues)
	return string(b)
}

// WriteCSV writes the table with a header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range t.Records {
		if err := cw.Write(r.row()); err != nil {
			return fmt.Errorf("writing %s: %w", r.Ref, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// ReadCSV parses a table written by WriteCSV. Warnings are not stored in the
// file and are not restored.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Columns)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if !slices.Equal(header, Columns) {
		return nil, fmt.Errorf("unexpected columns %v, want version %s layout %v", header, ColumnsVersion, Columns)
	}

	t := &Table{}
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}
		rec, err := recordFromRow(fields)
		if err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", line, err)
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

func recordFromRow(f []string) (Record, error) {
	valid, err := strconv.ParseBool(f[6])
	if err != nil {
		return Record{}, fmt.Errorf("valid: %w", err)
	}
	low, err := strconv.ParseBool(f[7])
	if err != nil {
		return Record{}, fmt.Errorf("low_confidence: %w", err)
	}
	var issues []string
	if f[8] != "" {
		if err := json.Unmarshal([]byte(f[8]), &issues); err != nil {
			return Record{}, fmt.Errorf("issues: %w", err)
		}
	}
	return Record{
		Date:           f[0],
		Description:    f[1],
		Amount:         f[2],
		RunningBalance: f[3],
		Source:         f[4],
		Ref:            f[5],
		Valid:          valid,
		LowConfidence:  low,
		Issues:         issues,
	}, nil
}

// WriteXLSX writes the table as a single-sheet workbook. Valid amounts are
// stored as numbers so totals can be computed in the spreadsheet.
func WriteXLSX(w io.Writer, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}
	if err := f.SetRowStyle(SheetName, 1, 1, bold); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}

	for i, r := range t.Records {
		cells := make([]any, 0, len(Columns))
		for j, v := range r.row() {
			cells = append(cells, xlsxValue(j, v))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("locating row %d: %w", i+2, err)
		}
		if err := f.SetSheetRow(SheetName, cell, &cells); err != nil {
			return fmt.Errorf("writing %s: %w", r.Ref, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freezing header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// xlsxValue converts the amount and balance columns to numbers when they
// parse, leaving everything else as text.
func xlsxValue(column int, v string) any {
	if column != 2 && column != 3 {
		return v
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return v
	}
	return d.InexactFloat64()
}
