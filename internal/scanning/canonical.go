package scanning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical date representation.
const DateLayout = "2006-01-02"

// dateLayouts are tried in order. Numeric day/month dates are handled
// separately by parseNumericDate.
var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2 2006",
	"2006-01-02T15:04:05Z07:00",
}

var (
	reAmountNoise = regexp.MustCompile(`(?i)[\s$€£¥]|usd|eur|gbp`)
	// Commas are only accepted as thousands separators.
	reDecimal     = regexp.MustCompile(`^[+-]?(\d{1,3}(,\d{3})+|\d+)(\.\d+)?$`)
	reNumericDate = regexp.MustCompile(`^(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})$`)
)

// ParseDate converts a date in any of the accepted layouts to YYYY-MM-DD.
func ParseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty date")
	}
	if m := reNumericDate.FindStringSubmatch(s); m != nil {
		return parseNumericDate(s, m[1], m[2], m[3])
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format(DateLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}

// parseNumericDate reads dd/mm/yyyy or mm/dd/yyyy (slash, dash or dot
// separated). The order is only taken from the values: when both of the
// first two numbers could be a month and they differ, the date is ambiguous.
func parseNumericDate(s, first, second, year string) (string, error) {
	a, _ := strconv.Atoi(first)
	b, _ := strconv.Atoi(second)

	var month, day int
	switch {
	case a > 12:
		day, month = a, b
	case b > 12 || a == b:
		month, day = a, b
	default:
		return "", fmt.Errorf("ambiguous date %q: day and month order unknown", s)
	}

	y, _ := strconv.Atoi(year)
	d := time.Date(y, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if month < 1 || month > 12 || d.Day() != day {
		return "", fmt.Errorf("unrecognized date %q", s)
	}
	return d.Format(DateLayout), nil
}

// ParseAmount accepts plain decimals plus the usual printed decorations:
// currency symbols, comma thousands separators, accounting parentheses and
// trailing CR/DR markers.
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "DR"):
		negative = true
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "CR"):
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = s[:len(s)-1]
	}
	s = reAmountNoise.ReplaceAllString(s, "")
	if !reDecimal.MatchString(s) {
		return decimal.Decimal{}, fmt.Errorf("unrecognized amount %q", raw)
	}

	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unrecognized amount %q: %w", raw, err)
	}
	if negative && d.IsPositive() {
		d = d.Neg()
	}
	return d, nil
}

// FormatAmount renders an amount in canonical form, two decimal places.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
