package util

import (
	"errors"
	"strings"
	"unicode"
)

// MaxKeyLength bounds guard keys; longer identifiers are rejected rather
// than truncated so two clients can never collide on a prefix.
const MaxKeyLength = 256

var (
	ErrEmptyKey   = errors.New("key is empty")
	ErrKeyTooLong = errors.New("key is too long")
	ErrKeyInvalid = errors.New("key contains control or whitespace characters")
)

// NormalizeKey trims surrounding whitespace and validates the identifier.
// Keys are otherwise opaque: case and content are preserved, so "Abc" and
// "abc" are different keys.
func NormalizeKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyKey
	}
	if len(s) > MaxKeyLength {
		return "", ErrKeyTooLong
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", ErrKeyInvalid
		}
	}
	return s, nil
}
