package format

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var symbols = map[currency.Unit]string{
	currency.USD: "$",
	currency.JPY: "¥",
	currency.EUR: "€",
	currency.GBP: "£",
}

// Currency formats a decimal amount using the ISO currency's standard scale.
// Example: Currency(decimal.RequireFromString("1234.5"), currency.USD) => "$1,234.50"
func Currency(amount decimal.Decimal, unit currency.Unit) string {
	scale, _ := currency.Standard.Rounding(unit)
	neg := amount.IsNegative()
	fixed := amount.Abs().StringFixed(int32(scale))

	head, tail, hasTail := strings.Cut(fixed, ".")
	out := thousandSep(head)
	if hasTail {
		out += "." + tail
	}

	symbol, ok := symbols[unit]
	if !ok {
		symbol = unit.String() + " "
	}
	if neg {
		return "-" + symbol + out
	}
	return symbol + out
}

// ParseUnit resolves an ISO 4217 code, defaulting to USD when empty.
func ParseUnit(code string) (currency.Unit, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return currency.USD, nil
	}
	return currency.ParseISO(code)
}

func thousandSep(s string) string {
	var b strings.Builder
	for i, c := range s {
		if i != 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}
