package domain

import "strings"

// phoneKeyLength is the number of trailing digits two numbers must share to
// be considered the same subscriber. Dropping the country-code prefix lets
// "+49 170 1234567" match a locally stored "0170/1234567". Two distinct
// international numbers sharing the same last 10 digits will collide; that
// tradeoff is accepted and surfaced in the run summary, not silently fixed.
const phoneKeyLength = 10

// EmailKey canonicalizes an email address into a comparable key.
// Returns "" when no usable identity is present.
func EmailKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// PhoneKey canonicalizes a phone number into a comparable key: every
// non-digit character is stripped and the last 10 digits are kept. Shorter
// numbers are returned as their bare digits, best effort. Returns "" when
// the input contains no digits.
func PhoneKey(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	key := digits.String()
	if len(key) > phoneKeyLength {
		key = key[len(key)-phoneKeyLength:]
	}
	return key
}
