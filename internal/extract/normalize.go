package extract

import (
	"strconv"
	"strings"
)

// NormalizePrice turns a raw price string into a decimal value. It handles
// both "1.234,56" and "1,234.56" style grouping: a separator is dropped as a
// thousands separator only when followed by exactly three digits and another
// separator or the end of the string. An unparsable input returns nil, never
// an error.
func NormalizePrice(raw string) *float64 {
	var cleaned []byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= '0' && c <= '9' || c == '.' || c == ',' {
			cleaned = append(cleaned, c)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	var out []byte
	for i := 0; i < len(cleaned); i++ {
		c := cleaned[i]
		if (c == '.' || c == ',') && isThousandsSep(cleaned, i) {
			continue
		}
		out = append(out, c)
	}

	s := strings.ReplaceAll(string(out), ",", ".")
	if strings.Count(s, ".") > 1 || s == "." || s == "" {
		return nil
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	if value < 0 {
		return nil
	}
	return &value
}

// isThousandsSep reports whether the separator at index i groups thousands:
// exactly three digits follow it before the next separator or end of string.
func isThousandsSep(s []byte, i int) bool {
	digits := 0
	j := i + 1
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		digits++
		j++
	}
	if digits != 3 {
		return false
	}
	if j == len(s) {
		return true
	}
	return s[j] == '.' || s[j] == ','
}
