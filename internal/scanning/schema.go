package scanning

// FieldType is the declared type of a schema field.
type FieldType string

const (
	TypeDate    FieldType = "date"
	TypeString  FieldType = "string"
	TypeDecimal FieldType = "decimal"
)

// Field names of StatementSchema.
const (
	FieldDate           = "date"
	FieldDescription    = "description"
	FieldAmount         = "amount"
	FieldRunningBalance = "running_balance"
)

// Field describes one column of an extracted row.
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Description string
}

// Schema is the shape every extracted row must conform to. The prompt is
// generated from it, so a schema change always carries a matching prompt.
type Schema struct {
	Name    string
	Version string
	Fields  []Field
}

// StatementSchema is the row shape for bank statement pages.
var StatementSchema = Schema{
	Name:    "bank_statement_transactions",
	Version: "1",
	Fields: []Field{
		{
			Name:        FieldDate,
			Type:        TypeDate,
			Required:    true,
			Description: "transaction or posting date, converted to YYYY-MM-DD",
		},
		{
			Name:        FieldDescription,
			Type:        TypeString,
			Required:    true,
			Description: "payee or transaction description exactly as printed",
		},
		{
			Name:        FieldAmount,
			Type:        TypeDecimal,
			Required:    true,
			Description: "signed amount, negative for withdrawals and debits, positive for deposits and credits",
		},
		{
			Name:        FieldRunningBalance,
			Type:        TypeDecimal,
			Required:    false,
			Description: "balance after the transaction, null when the page has no balance column",
		},
	},
}

// FieldNames returns the field names in declaration order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// JSONSchema returns the strict structured-output schema: an object holding
// a "transactions" array of rows. Optional fields are nullable rather than
// omitted because strict mode requires every property to be listed.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		var typ any = "string"
		if !f.Required {
			typ = []string{"string", "null"}
		}
		props[f.Name] = map[string]any{
			"type":        typ,
			"description": fieldHint(f),
		}
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"transactions"},
		"properties": map[string]any{
			"transactions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties":           props,
					"required":             s.FieldNames(),
				},
			},
		},
	}
}

func fieldHint(f Field) string {
	switch f.Type {
	case TypeDate:
		return f.Description + " (format YYYY-MM-DD)"
	case TypeDecimal:
		return f.Description + " (decimal string such as -42.50, no currency symbol or thousands separator)"
	default:
		return f.Description
	}
}
