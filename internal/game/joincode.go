package game

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// joinCodeAlphabet excludes visually ambiguous characters (0/O, 1/I) so codes
// survive being read aloud or copied from a screen.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// JoinCodeLength is the fixed length of a session join code.
const JoinCodeLength = 6

// NewJoinCode generates a random join code from the restricted alphabet.
func NewJoinCode() (string, error) {
	buf := make([]byte, JoinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("game: generate join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}

// NormalizeJoinCode upper-cases and trims a user-entered code. Codes are
// case-insensitive on input and stored upper-case.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidJoinCode reports whether code (already normalized) has the exact
// length and alphabet of a generated join code.
func ValidJoinCode(code string) bool {
	if len(code) != JoinCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(joinCodeAlphabet, r) {
			return false
		}
	}
	return true
}
