package auth

import (
	"errors"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrNotBearer is returned when an Authorization value does not use the Bearer scheme.
var ErrNotBearer = errors.New("authorization is not a bearer credential")

const bearerPrefix = "bearer "

// ParseBearer extracts the token from an Authorization header value.
// The scheme name is matched case-insensitively and must be followed by a
// space. The remainder is returned as-is, even when empty; an empty token
// is the verifier's problem, not a scheme mismatch.
func ParseBearer(header string) (string, error) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrNotBearer
	}
	return strings.TrimSpace(header[len(bearerPrefix):]), nil
}

// Fingerprint returns a short non-reversible identifier for a token, safe
// to log and audit in place of the token itself.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64String(token), 16)
}
