package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// parseBrazilianAmount converts an amount like "1.234,56" (dot thousands,
// comma decimals) into integer cents. Operators never report more than two
// decimal places; anything finer is a malformed line.
func parseBrazilianAmount(raw string) (int64, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(raw), ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	return parseDecimalAmount(normalized)
}

// parseDecimalAmount converts a plain "1234.56" amount into integer cents.
func parseDecimalAmount(raw string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if d.Exponent() < -2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", raw)
	}
	return d.Shift(2).IntPart(), nil
}
