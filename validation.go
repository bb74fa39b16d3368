package main

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

const (
	minUsernameLength = 2
	maxUsernameLength = 20
)

// validateUsername expects an already trimmed name and returns a message
// suitable for the player when it is rejected.
func validateUsername(username string) (string, bool) {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLength || n > maxUsernameLength {
		return fmt.Sprintf("name must be %d to %d characters", minUsernameLength, maxUsernameLength), false
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return "name contains control characters", false
		}
	}
	return "", true
}
