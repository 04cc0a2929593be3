// Package phone normalizes Brazilian phone numbers to the international
// digit form used as the case-matching key across all integrations.
package phone

import (
	"errors"
	"strings"
)

// ErrInvalid signals a number that cannot be normalized.
var ErrInvalid = errors.New("phone: invalid number")

// Standardize converts a phone number in any human format to the canonical
// 12-digit international form (DDI + DDD + 8-digit number). The mobile
// ninth digit is stripped so the same customer always maps to one key.
func Standardize(raw string) (string, error) {
	digits := onlyDigits(raw)
	n := len(digits)

	if n < 9 || n > 13 {
		return "", ErrInvalid
	}

	if strings.HasPrefix(digits, "55") && n >= 12 {
		switch n {
		case 13:
			// DDI(2) + DDD(2) + ninth digit + number(8)
			return digits[:4] + digits[5:], nil
		case 12:
			return digits, nil
		}
		return "", ErrInvalid
	}

	switch n {
	case 11:
		// DDD(2) + ninth digit + number(8)
		return "55" + digits[:2] + digits[3:], nil
	case 10:
		return "55" + digits, nil
	case 9:
		// Local number without DDD; default area code 62.
		return "5562" + digits[1:], nil
	}

	return "", ErrInvalid
}

// Dialable expands a canonical 12-digit number to the 13-digit form with
// the mobile ninth digit, which the messaging platform expects.
func Dialable(canonical string) string {
	if len(canonical) == 12 {
		return canonical[:4] + "9" + canonical[4:]
	}
	return canonical
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
