// Package auth contains the domain types and logic for bearer token verification.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// Claims is the decoded JWT payload of a verified token.
type Claims map[string]any

// Subject returns the sub claim, or "" when absent.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// ErrorClass categorizes why a token failed verification.
// Every class blocks the invocation the same way; the class exists for
// logs, audit records and metrics.
type ErrorClass string

const (
	// ClassMalformed means the token could not be parsed or had no kid.
	ClassMalformed ErrorClass = "malformed"
	// ClassSignatureInvalid means the signature did not verify, or the
	// algorithm was not allowed for the token or the key.
	ClassSignatureInvalid ErrorClass = "signature-invalid"
	// ClassKeyNotFound means no trusted key matched the kid, including
	// when the key set could not be fetched.
	ClassKeyNotFound ErrorClass = "key-not-found"
	// ClassIssuerMismatch means iss was absent or not the configured issuer.
	ClassIssuerMismatch ErrorClass = "issuer-mismatch"
	// ClassAudienceMismatch means aud did not contain the configured audience.
	ClassAudienceMismatch ErrorClass = "audience-mismatch"
	// ClassExpired means exp is in the past.
	ClassExpired ErrorClass = "expired"
	// ClassNotYetValid means nbf is in the future.
	ClassNotYetValid ErrorClass = "not-yet-valid"
	// ClassClaimsRejected means the configured claims condition did not hold.
	ClassClaimsRejected ErrorClass = "claims-rejected"
)

// Sentinel errors wrapped inside VerificationError.
var (
	// ErrMissingKeyID is returned when the token header carries no kid.
	ErrMissingKeyID = errors.New("token header has no kid")
	// ErrKeyNotFound is returned by a KeyResolver when no usable key has the kid.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrKeyAlgorithmMismatch is returned when the JWK pins a different alg than the token uses.
	ErrKeyAlgorithmMismatch = errors.New("token alg does not match key alg")
	// ErrIssuerMismatch is returned when iss is not the configured issuer.
	ErrIssuerMismatch = errors.New("issuer mismatch")
	// ErrAudienceMismatch is returned when aud does not contain the configured audience.
	ErrAudienceMismatch = errors.New("audience mismatch")
	// ErrClaimsRejected is returned when the claims condition evaluates to false.
	ErrClaimsRejected = errors.New("claims rejected by condition")
)

// VerificationError is returned by Verifier.Verify for every failure.
type VerificationError struct {
	Class ErrorClass
	// KeyID is the token's kid when the header could be read.
	KeyID string
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("token %s: %v", e.Class, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// ClassOf returns the ErrorClass carried by err, or "" when err is not a
// VerificationError.
func ClassOf(err error) ErrorClass {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Class
	}
	return ""
}

// SigningKey is one trusted public key from the key set.
type SigningKey struct {
	// KeyID is the JWK kid.
	KeyID string
	// Algorithm is the JWK alg, empty when the key does not pin one.
	Algorithm string
	// Key is the public key (*rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey).
	Key any
	// Cached reports whether the key was served without a fetch.
	Cached bool
}

// KeyResolver looks up trusted signing keys by kid.
// Interface owned by domain per hexagonal architecture.
type KeyResolver interface {
	// SigningKey returns the key for kid, fetching the key set on a miss.
	// Returns an error wrapping ErrKeyNotFound when no usable key has the kid.
	SigningKey(ctx context.Context, kid string) (*SigningKey, error)

	// Invalidate drops kid from the cache so the next lookup fetches.
	// Returns false when the refresh is refused by rate limiting.
	Invalidate(kid string) bool
}

// ClaimsPolicy is an extra condition verified claims must satisfy.
type ClaimsPolicy interface {
	Evaluate(ctx context.Context, claims Claims) (bool, error)
}
