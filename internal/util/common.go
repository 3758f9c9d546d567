// Package util holds small shared helpers with no dependencies of their own.
package util

import (
	"errors"
	"strings"
)

const maxParticipantIDLen = 64

// ValidateParticipantID validates and normalizes a participant identifier
// before it goes on the wire or into the relay's client table.
// Returns the trimmed id and an error if invalid.
func ValidateParticipantID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("participant id is empty")
	}
	if len(id) > maxParticipantIDLen {
		return "", errors.New("participant id too long")
	}
	if strings.ContainsAny(id, "/\\ \t\r\n") || strings.Contains(id, "..") {
		return "", errors.New("participant id must not contain spaces, slashes or '..'")
	}
	return id, nil
}
