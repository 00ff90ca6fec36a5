// Package phone provides canonical phone number normalization.
package phone

import "strings"

// Number is a phone number in canonical form: a leading "+" followed by
// country code and subscriber digits only. The zero value "" means unknown.
type Number string

// Normalize converts raw input to canonical form. Separators (spaces,
// parentheses, dashes, dots) are stripped and a leading "+" is ensured.
// Normalize is total and idempotent; input without any digits normalizes
// to the empty Number.
func Normalize(raw string) Number {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return Number("+" + digits.String())
}

// String returns the canonical string form.
func (n Number) String() string {
	return string(n)
}

// Localpart returns the digits without the leading "+". It is the form used
// to mint virtual chat identities for the number.
func (n Number) Localpart() string {
	return strings.TrimPrefix(string(n), "+")
}

// IsEmpty reports whether the number is unknown.
func (n Number) IsEmpty() bool {
	return n == ""
}
