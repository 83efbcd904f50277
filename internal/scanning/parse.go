package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Transaction is one row as returned by the model. Values are kept as
// printed; canonical formatting happens during aggregation.
type Transaction struct {
	Date           string
	Description    string
	Amount         string
	RunningBalance *string
	Valid          bool
	Issues         []string
}

// envelopeSchema only checks the outer shape. Rows are checked field by
// field so one bad row does not discard the rest of the page.
var envelopeSchema = jsonschema.MustCompileString("envelope.json", `{
	"type": "object",
	"required": ["transactions"],
	"properties": {
		"transactions": {
			"type": "array",
			"items": {"type": "object"}
		}
	}
}`)

// ParseTransactions decodes a model answer into rows. It returns
// ErrSchemaViolation when the answer is not usable as a whole, including
// when it contains no rows at all.
func ParseTransactions(text string, schema Schema) ([]Transaction, error) {
	cleaned, err := cleanModelJSON(text)
	if err != nil {
		return nil, &Error{Kind: KindSchema, Err: err}
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Kind: KindSchema, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return nil, &Error{Kind: KindSchema, Err: fmt.Errorf("validating response: %w", err)}
	}

	var envelope struct {
		Transactions []map[string]json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(cleaned, &envelope); err != nil {
		return nil, &Error{Kind: KindSchema, Err: fmt.Errorf("decoding transactions: %w", err)}
	}
	if len(envelope.Transactions) == 0 {
		return nil, &Error{Kind: KindSchema, Err: fmt.Errorf("no transactions found")}
	}

	rows := make([]Transaction, 0, len(envelope.Transactions))
	for _, raw := range envelope.Transactions {
		rows = append(rows, parseRow(raw, schema))
	}
	return rows, nil
}

// cleanModelJSON strips markdown fences and surrounding prose. A bare array
// is wrapped into the expected envelope.
func cleanModelJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	obj := strings.Index(text, "{")
	arr := strings.Index(text, "[")
	switch {
	case obj == -1 && arr == -1:
		return nil, fmt.Errorf("no JSON found in response")
	case arr != -1 && (obj == -1 || arr < obj):
		end := strings.LastIndex(text, "]")
		if end < arr {
			return nil, fmt.Errorf("invalid JSON array in response")
		}
		return []byte(`{"transactions":` + text[arr:end+1] + `}`), nil
	default:
		end := strings.LastIndex(text, "}")
		if end < obj {
			return nil, fmt.Errorf("invalid JSON object in response")
		}
		return []byte(text[obj : end+1]), nil
	}
}

func parseRow(raw map[string]json.RawMessage, schema Schema) Transaction {
	var tx Transaction
	for _, f := range schema.Fields {
		value, present, err := fieldValue(raw[f.Name])
		switch {
		case err != nil:
			tx.Issues = append(tx.Issues, fmt.Sprintf("%s: %v", f.Name, err))
			continue
		case !present || value == "":
			if f.Required {
				tx.Issues = append(tx.Issues, fmt.Sprintf("%s: missing", f.Name))
			}
			continue
		}

		switch f.Type {
		case TypeDate:
			if _, err := ParseDate(value); err != nil {
				tx.Issues = append(tx.Issues, fmt.Sprintf("%s: %v", f.Name, err))
			}
		case TypeDecimal:
			if _, err := ParseAmount(value); err != nil {
				tx.Issues = append(tx.Issues, fmt.Sprintf("%s: %v", f.Name, err))
			}
		}

		switch f.Name {
		case FieldDate:
			tx.Date = value
		case FieldDescription:
			tx.Description = value
		case FieldAmount:
			tx.Amount = value
		case FieldRunningBalance:
			v := value
			tx.RunningBalance = &v
		}
	}
	tx.Valid = len(tx.Issues) == 0
	return tx
}

// fieldValue accepts strings and numbers; null and absent are reported as not present.
func fieldValue(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return strings.TrimSpace(s), true, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false, err
		}
		return n.String(), true, nil
	default:
		return "", false, fmt.Errorf("expected string, got %s", raw)
	}
}
