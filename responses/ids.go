package responses

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ResponseIDPrefix starts every response id.
const ResponseIDPrefix = "resp_"

// NewResponseID returns "resp_" followed by 32 hex characters of a random UUID.
func NewResponseID() string {
	id := uuid.New()
	return ResponseIDPrefix + hex.EncodeToString(id[:])
}

// IsResponseID reports whether s has the shape of a response id.
func IsResponseID(s string) bool {
	rest, ok := strings.CutPrefix(s, ResponseIDPrefix)
	return ok && rest != "" && !strings.ContainsAny(rest, " \t\r\n")
}
