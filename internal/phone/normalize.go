// Package phone canonicalizes phone numbers so that the same subscriber
// always produces the same index key, regardless of how a transport or the
// accounting side formatted the number.
package phone

import "strings"

// Normalizer binds Normalize to a default country code.
type Normalizer struct {
	// DefaultCountry is the country code (without "+") assumed for
	// national numbers, e.g. "49".
	DefaultCountry string
}

func (n Normalizer) Normalize(raw string) string {
	return Normalize(raw, n.DefaultCountry)
}

// Normalize returns the canonical form of raw: the international number as a
// bare digit string ("+49 170 / 1234567" -> "491701234567"). Short internal
// extensions are returned as-is. Returns "" when raw carries no usable
// number.
func Normalize(raw, defaultCountry string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	// Dial strings may carry a post-dial extension suffix.
	if i := strings.IndexAny(raw, ";,"); i >= 0 {
		raw = raw[:i]
	}

	var b strings.Builder
	plus := false
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			plus = true
		case r == ' ' || r == '/' || r == '(' || r == ')' || r == '-' || r == '.':
			// formatting noise
		default:
			return ""
		}
	}

	digits := b.String()
	if digits == "" {
		return ""
	}

	switch {
	case plus:
		return digits
	case strings.HasPrefix(digits, "00"):
		return digits[2:]
	case len(digits) <= 6:
		// Internal extension; prefixing a country code would break matching.
		return digits
	case strings.HasPrefix(digits, "0"):
		return defaultCountry + digits[1:]
	default:
		return digits
	}
}
