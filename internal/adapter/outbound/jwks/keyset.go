// Package jwks provides the signing key set backed by a remote JWKS document.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/auth"
)

const (
	// maxDocumentSize bounds the JWKS document.
	maxDocumentSize = 1024 * 1024 // 1MB

	defaultFetchTimeout = 5 * time.Second
)

// Fetch results reported to the observer.
const (
	FetchOK    = "ok"
	FetchError = "error"
)

// ErrNoUsableKeys is returned when a fetched document has no signing keys.
var ErrNoUsableKeys = errors.New("jwks document has no usable signing keys")

type cachedKey struct {
	key       auth.SigningKey
	fetchedAt time.Time
}

// KeySet caches signing keys by kid and fetches the JWKS document on a miss.
// It implements auth.KeyResolver and is safe for concurrent use. Concurrent
// misses share one fetch.
type KeySet struct {
	url          string
	httpClient   *http.Client
	fetchTimeout time.Duration
	ttl          time.Duration
	minRefresh   time.Duration
	now          func() time.Time
	logger       *slog.Logger
	onFetch      func(result string, d time.Duration)

	mu        sync.RWMutex
	keys      map[string]cachedKey
	refreshed map[string]time.Time
	lastFetch time.Time

	group singleflight.Group
}

var _ auth.KeyResolver = (*KeySet)(nil)

// Option is a functional option for configuring KeySet.
type Option func(*KeySet)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *KeySet) {
		s.httpClient = client
	}
}

// WithFetchTimeout bounds each JWKS fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *KeySet) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithCacheTTL expires cached keys after d. Zero keeps keys for the
// lifetime of the process.
func WithCacheTTL(d time.Duration) Option {
	return func(s *KeySet) {
		s.ttl = d
	}
}

// WithMinRefreshInterval limits forced refreshes of one kid to one per d.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(s *KeySet) {
		s.minRefresh = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *KeySet) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *KeySet) {
		s.logger = logger
	}
}

// WithFetchObserver is called after every fetch with FetchOK or FetchError.
func WithFetchObserver(fn func(result string, d time.Duration)) Option {
	return func(s *KeySet) {
		s.onFetch = fn
	}
}

// New creates a KeySet for the JWKS document at url. Nothing is fetched
// until the first lookup.
func New(url string, opts ...Option) *KeySet {
	s := &KeySet{
		url:          url,
		httpClient:   &http.Client{},
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		logger:       slog.Default(),
		keys:         make(map[string]cachedKey),
		refreshed:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SigningKey returns the key for kid, fetching the document on a miss.
func (s *KeySet) SigningKey(ctx context.Context, kid string) (*auth.SigningKey, error) {
	if k, ok := s.lookup(kid); ok {
		k.Cached = true
		return &k, nil
	}

	if err := s.refresh(ctx); err != nil {
		return nil, fmt.Errorf("%w: kid %q: %w", auth.ErrKeyNotFound, kid, err)
	}

	k, ok := s.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q not in key set", auth.ErrKeyNotFound, kid)
	}
	return &k, nil
}

// Invalidate drops kid so the next lookup fetches the document again.
// It returns false when kid was already force-refreshed within the minimum
// refresh interval.
func (s *KeySet) Invalidate(kid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.refreshed[kid]; ok && s.minRefresh > 0 && now.Sub(last) < s.minRefresh {
		return false
	}
	s.refreshed[kid] = now
	delete(s.keys, kid)
	return true
}

// Len returns the number of cached keys.
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// LastFetch returns when the document was last fetched successfully.
func (s *KeySet) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch
}

func (s *KeySet) lookup(kid string) (auth.SigningKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.keys[kid]
	if !ok {
		return auth.SigningKey{}, false
	}
	if s.ttl > 0 && s.now().Sub(c.fetchedAt) >= s.ttl {
		return auth.SigningKey{}, false
	}
	return c.key, true
}

// refresh fetches the document once for all concurrent callers.
func (s *KeySet) refresh(ctx context.Context) error {
	ch := s.group.DoChan("jwks", func() (any, error) {
		// Detached from the first caller so its cancellation does not fail
		// the others; the fetch timeout still bounds it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		start := s.now()
		n, err := s.fetch(fetchCtx)
		elapsed := s.now().Sub(start)

		if err != nil {
			s.observe(FetchError, elapsed)
			s.logger.Warn("jwks fetch failed", "url", s.url, "error", err)
			return nil, err
		}
		s.observe(FetchOK, elapsed)
		s.logger.Debug("jwks fetched", "url", s.url, "keys", n)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *KeySet) observe(result string, d time.Duration) {
	if s.onFetch != nil {
		s.onFetch(result, d)
	}
}

// fetch downloads and parses the document, adding every usable key.
// Keys already cached are replaced; keys absent from the document are kept,
// since a document missing a kid is more likely mid-rotation than a revocation.
func (s *KeySet) fetch(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return 0, fmt.Errorf("read jwks: %w", err)
	}
	if len(body) > maxDocumentSize {
		return 0, fmt.Errorf("jwks document exceeds %d bytes", maxDocumentSize)
	}

	keys, err := s.parse(body)
	if err != nil {
		return 0, err
	}

	now := s.now()
	s.mu.Lock()
	for _, k := range keys {
		s.keys[k.KeyID] = cachedKey{key: k, fetchedAt: now}
	}
	s.lastFetch = now
	s.mu.Unlock()

	return len(keys), nil
}

// parse decodes the document and keeps public signing keys that have a kid.
// Entries that fail to decode are skipped so one bad key does not take the
// whole set down.
func (s *KeySet) parse(body []byte) ([]auth.SigningKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make([]auth.SigningKey, 0, len(doc.Keys))
	for i, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := json.Unmarshal(raw, &jwk); err != nil {
			s.logger.Debug("skipping undecodable jwk", "index", i, "error", err)
			continue
		}
		if jwk.KeyID == "" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		// Symmetric keys have no public half and drop out here.
		if !jwk.IsPublic() {
			jwk = jwk.Public()
		}
		if !jwk.Valid() || jwk.Key == nil {
			continue
		}
		keys = append(keys, auth.SigningKey{
			KeyID:     jwk.KeyID,
			Algorithm: jwk.Algorithm,
			Key:       jwk.Key,
		})
	}

	if len(keys) == 0 {
		return nil, ErrNoUsableKeys
	}
	return keys, nil
}
