package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks bearer tokens against a trusted key set and an issuer.
// It is safe for concurrent use.
type Verifier struct {
	keys       KeyResolver
	issuer     string
	audience   string
	algorithms []string
	leeway     time.Duration
	now        func() time.Time
	policy     ClaimsPolicy

	refreshOnSignatureFailure bool

	parser *jwt.Parser
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAlgorithms sets the accepted signing algorithms. Defaults to RS256 only.
func WithAlgorithms(algs ...string) VerifierOption {
	return func(v *Verifier) {
		v.algorithms = algs
	}
}

// WithAudience requires aud to contain audience.
func WithAudience(audience string) VerifierOption {
	return func(v *Verifier) {
		v.audience = audience
	}
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithClock overrides the time source used for exp and nbf.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithClaimsPolicy adds a condition verified claims must satisfy.
func WithClaimsPolicy(p ClaimsPolicy) VerifierOption {
	return func(v *Verifier) {
		v.policy = p
	}
}

// WithRefreshOnSignatureFailure retries verification once against a freshly
// fetched key when a cached key fails the signature check.
func WithRefreshOnSignatureFailure(enabled bool) VerifierOption {
	return func(v *Verifier) {
		v.refreshOnSignatureFailure = enabled
	}
}

// NewVerifier creates a Verifier trusting keys from resolver for tokens issued by issuer.
func NewVerifier(resolver KeyResolver, issuer string, opts ...VerifierOption) (*Verifier, error) {
	if resolver == nil {
		return nil, errors.New("verifier: key resolver is required")
	}
	if issuer == "" {
		return nil, errors.New("verifier: issuer is required")
	}

	v := &Verifier{
		keys:       resolver,
		issuer:     issuer,
		algorithms: []string{"RS256"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	// An empty list would disable the algorithm check in the parser.
	if len(v.algorithms) == 0 {
		return nil, errors.New("verifier: at least one algorithm is required")
	}

	v.parser = jwt.NewParser(
		jwt.WithValidMethods(v.algorithms),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithJSONNumber(),
	)
	return v, nil
}

// Algorithms returns the accepted signing algorithms.
func (v *Verifier) Algorithms() []string {
	return slices.Clone(v.algorithms)
}

// Verify checks token and returns its claims.
// Every failure is a *VerificationError carrying an ErrorClass.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	claims, key, err := v.verify(ctx, token)
	if err != nil && v.shouldRefresh(key, err) && v.keys.Invalidate(key.KeyID) {
		claims, _, err = v.verify(ctx, token)
	}
	return claims, err
}

// shouldRefresh reports whether a failure against a cached key may be caused
// by a rotated key published under the same kid.
func (v *Verifier) shouldRefresh(key *SigningKey, err error) bool {
	return v.refreshOnSignatureFailure &&
		key != nil && key.Cached &&
		ClassOf(err) == ClassSignatureInvalid &&
		!errors.Is(err, ErrKeyAlgorithmMismatch)
}

func (v *Verifier) verify(ctx context.Context, token string) (Claims, *SigningKey, error) {
	var (
		kid    string
		used   *SigningKey
		keyErr error
	)

	mc := jwt.MapClaims{}
	// The parser rejects algorithms outside the allow-list before calling
	// the key func, so algorithm confusion never triggers a key fetch.
	_, err := v.parser.ParseWithClaims(token, mc, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			keyErr = ErrMissingKeyID
			return nil, keyErr
		}
		k, err := v.keys.SigningKey(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		used = k
		if k.Algorithm != "" && k.Algorithm != t.Method.Alg() {
			keyErr = ErrKeyAlgorithmMismatch
			return nil, keyErr
		}
		return k.Key, nil
	})
	if err != nil {
		return nil, used, &VerificationError{Class: classifyParseError(err, keyErr), KeyID: kid, Err: err}
	}

	claims := Claims(mc)
	if err := v.checkClaims(ctx, mc); err != nil {
		err.KeyID = kid
		return nil, used, err
	}
	return claims, used, nil
}

// checkClaims applies the checks the parser does not: issuer, audience and policy.
func (v *Verifier) checkClaims(ctx context.Context, mc jwt.MapClaims) *VerificationError {
	iss, _ := mc.GetIssuer()
	if iss != v.issuer {
		return &VerificationError{
			Class: ClassIssuerMismatch,
			Err:   fmt.Errorf("%w: got %q", ErrIssuerMismatch, iss),
		}
	}

	if v.audience != "" {
		aud, _ := mc.GetAudience()
		if !slices.Contains(aud, v.audience) {
			return &VerificationError{Class: ClassAudienceMismatch, Err: ErrAudienceMismatch}
		}
	}

	if v.policy != nil {
		ok, err := v.policy.Evaluate(ctx, Claims(mc))
		if err != nil {
			return &VerificationError{Class: ClassClaimsRejected, Err: fmt.Errorf("%w: %v", ErrClaimsRejected, err)}
		}
		if !ok {
			return &VerificationError{Class: ClassClaimsRejected, Err: ErrClaimsRejected}
		}
	}
	return nil
}

// classifyParseError maps a parser error to an ErrorClass.
// keyErr is the error returned by the key func, if it ran and failed.
func classifyParseError(err, keyErr error) ErrorClass {
	if keyErr != nil {
		switch {
		case errors.Is(keyErr, ErrMissingKeyID):
			return ClassMalformed
		case errors.Is(keyErr, ErrKeyAlgorithmMismatch):
			return ClassSignatureInvalid
		default:
			return ClassKeyNotFound
		}
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ClassMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		// Unverifiable without a key func error means the alg is unknown.
		return ClassSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ClassExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ClassNotYetValid
	default:
		return ClassMalformed
	}
}
