// Package uuid provides id generation for queued operations and tentative entities.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks ids minted on the client for entities the server has not
// confirmed yet. The server never issues ids with this prefix.
const TempPrefix = "local-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTemp generates a client-side placeholder id for an unconfirmed entity.
func NewTemp() string {
	return TempPrefix + uuid.New().String()
}

// IsTemp reports whether id was produced by NewTemp.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix) && IsValid(strings.TrimPrefix(id, TempPrefix))
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
