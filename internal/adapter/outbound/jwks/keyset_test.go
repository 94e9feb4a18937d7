package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/auth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func marshalKeys(t *testing.T, keys ...jose.JSONWebKey) []byte {
	t.Helper()
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: keys})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

// jwksServer serves the current document and counts fetches.
type jwksServer struct {
	*httptest.Server
	fetches atomic.Int32
	mu      sync.Mutex
	doc     []byte
	status  int
}

func newJWKSServer(t *testing.T, doc []byte) *jwksServer {
	t.Helper()
	s := &jwksServer{doc: doc, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.fetches.Add(1)
		s.mu.Lock()
		doc, status := s.doc, s.status
		s.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write(doc)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) set(doc []byte, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc, s.status = doc, status
}

func newKeySet(t *testing.T, url string, opts ...Option) *KeySet {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{}}
	t.Cleanup(client.CloseIdleConnections)
	return New(url, append([]Option{WithLogger(testLogger()), WithHTTPClient(client)}, opts...)...)
}

func TestSigningKey_FetchesOnMissThenCaches(t *testing.T) {
	priv := rsaKey(t)
	srv := newJWKSServer(t, marshalKeys(t,
		jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
	))
	ks := newKeySet(t, srv.URL)

	k, err := ks.SigningKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("SigningKey() error: %v", err)
	}
	if k.Cached {
		t.Error("first lookup reported Cached = true")
	}
	if k.Algorithm != "RS256" {
		t.Errorf("Algorithm = %q, want RS256", k.Algorithm)
	}
	pub, ok := k.Key.(*rsa.PublicKey)
	if !ok || !pub.Equal(&priv.PublicKey) {
		t.Errorf("Key = %T, want the served RSA public key", k.Key)
	}

	k, err = ks.SigningKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("second SigningKey() error: %v", err)
	}
	if !k.Cached {
		t.Error("second lookup reported Cached = false")
	}
	if n := srv.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	if ks.Len() != 1 || ks.LastFetch().IsZero() {
		t.Errorf("Len() = %d, LastFetch() = %v", ks.Len(), ks.LastFetch())
	}
}

func TestSigningKey_UnknownKid(t *testing.T) {
	priv := rsaKey(t)
	srv := newJWKSServer(t, marshalKeys(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1"}))
	ks := newKeySet(t, srv.URL)

	_, err := ks.SigningKey(context.Background(), "other")
	if !errors.Is(err, auth.ErrKeyNotFound) {
		t.Fatalf("SigningKey() error = %v, want ErrKeyNotFound", err)
	}

	// The fetch still populated the cache.
	if _, err := ks.SigningKey(context.Background(), "k1"); err != nil {
		t.Errorf("SigningKey(k1) error: %v", err)
	}
	if n := srv.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestSigningKey_FetchFailureKeepsCachedKeys(t *testing.T) {
	priv := rsaKey(t)
	srv := newJWKSServer(t, marshalKeys(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1"}))
	ks := newKeySet(t, srv.URL)

	if _, err := ks.SigningKey(context.Background(), "k1"); err != nil {
		t.Fatalf("warm-up SigningKey() error: %v", err)
	}

	srv.set([]byte("unavailable"), http.StatusServiceUnavailable)

	_, err := ks.SigningKey(context.Background(), "k2")
	if !errors.Is(err, auth.ErrKeyNotFound) {
		t.Errorf("SigningKey(k2) error = %v, want ErrKeyNotFound", err)
	}

	before := srv.fetches.Load()
	if _, err := ks.SigningKey(context.Background(), "k1"); err != nil {
		t.Errorf("cached SigningKey(k1) error: %v", err)
	}
	if after := srv.fetches.Load(); after != before {
		t.Errorf("cached lookup fetched: %d -> %d", before, after)
	}
}

func TestSigningKey_ConcurrentMissesShareOneFetch(t *testing.T) {
	priv := rsaKey(t)
	doc := marshalKeys(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1"})

	release := make(chan struct{})
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		<-release
		_, _ = w.Write(doc)
	}))
	defer srv.Close()

	ks := newKeySet(t, srv.URL)

	const callers = 10
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	errs := make(chan error, callers)
	for range callers {
		go func() {
			defer done.Done()
			started.Done()
			_, err := ks.SigningKey(context.Background(), "k1")
			errs <- err
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("SigningKey() error: %v", err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestSigningKey_CacheTTL(t *testing.T) {
	priv := rsaKey(t)
	srv := newJWKSServer(t, marshalKeys(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1"}))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	ks := newKeySet(t, srv.URL, WithCacheTTL(10*time.Minute), WithClock(clock))

	for _, step := range []time.Duration{0, 5 * time.Minute, 6 * time.Minute} {
		advance(step)
		if _, err := ks.SigningKey(context.Background(), "k1"); err != nil {
			t.Fatalf("SigningKey() error: %v", err)
		}
	}
	// Fetched at t=0, served from cache at t=5m, expired at t=11m.
	if n := srv.fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestSigningKey_NoTTLNeverExpires(t *testing.T) {
	priv := rsaKey(t)
	srv := newJWKSServer(t, marshalKeys(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1"}))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := newKeySet(t, srv.URL, WithClock(func() time.Time { return now }))

	if _, err := ks.SigningKey(context.Background(), "k1"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(365 * 24 * time.Hour)
	if _, err := ks.SigningKey(context.Background(), "k1"); err != nil {
		t.Fatal(err)
	}
	if n := srv.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestInvalidate_MinRefreshInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := New("http://unused.invalid", WithLogger(testLogger()),
		WithMinRefreshInterval(time.Minute),
		WithClock(func() time.Time { return now }))

	if !ks.Invalidate("k1") {
		t.Fatal("first Invalidate() = false, want true")
	}
	now = now.Add(30 * time.Second)
	if ks.Invalidate("k1") {
		t.Error("Invalidate() within interval = true, want false")
	}
	if !ks.Invalidate("k2") {
		t.Error("Invalidate() of another kid = false, want true")
	}
	now = now.Add(31 * time.Second)
	if !ks.Invalidate("k1") {
		t.Error("Invalidate() after interval = false, want true")
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	oldKey, newKey := rsaKey(t), rsaKey(t)
	srv := newJWKSServer(t, marshalKeys(t, jose.JSONWebKey{Key: &oldKey.PublicKey, KeyID: "k1"}))
	ks := newKeySet(t, srv.URL)

	if _, err := ks.SigningKey(context.Background(), "k1"); err != nil {
		t.Fatal(err)
	}
	srv.set(marshalKeys(t, jose.JSONWebKey{Key: &newKey.PublicKey, KeyID: "k1"}), http.StatusOK)

	if !ks.Invalidate("k1") {
		t.Fatal("Invalidate() = false")
	}
	k, err := ks.SigningKey(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if pub := k.Key.(*rsa.PublicKey); !pub.Equal(&newKey.PublicKey) {
		t.Error("SigningKey() after Invalidate returned the old key")
	}
}

func TestParse_FiltersUnusableKeys(t *testing.T) {
	rsaPriv := rsaKey(t)
	ecPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	var entries []json.RawMessage
	add := func(k jose.JSONWebKey) {
		b, err := json.Marshal(k)
		if err != nil {
			t.Fatalf("marshal jwk: %v", err)
		}
		entries = append(entries, b)
	}
	add(jose.JSONWebKey{Key: &rsaPriv.PublicKey, KeyID: "rsa", Use: "sig"})
	add(jose.JSONWebKey{Key: &ecPriv.PublicKey, KeyID: "ec", Algorithm: "ES256"})
	add(jose.JSONWebKey{Key: &rsaPriv.PublicKey, KeyID: "enc", Use: "enc"})
	add(jose.JSONWebKey{Key: &rsaPriv.PublicKey})                      // no kid
	add(jose.JSONWebKey{Key: []byte("hmac-secret"), KeyID: "oct"})     // symmetric
	add(jose.JSONWebKey{Key: ecPriv, KeyID: "ec-private"})             // private, public half kept
	entries = append(entries, json.RawMessage(`{"kty":"RSA","kid":"broken","n":"!!"}`))
	entries = append(entries, json.RawMessage(`"not an object"`))

	doc, _ := json.Marshal(map[string]any{"keys": entries})

	ks := New("http://unused.invalid", WithLogger(testLogger()))
	keys, err := ks.parse(doc)
	if err != nil {
		t.Fatalf("parse() error: %v", err)
	}

	got := map[string]auth.SigningKey{}
	for _, k := range keys {
		got[k.KeyID] = k
	}
	for _, kid := range []string{"rsa", "ec", "ec-private"} {
		if _, ok := got[kid]; !ok {
			t.Errorf("key %q missing from parsed set", kid)
		}
	}
	for _, kid := range []string{"enc", "oct", "broken"} {
		if _, ok := got[kid]; ok {
			t.Errorf("key %q should have been skipped", kid)
		}
	}
	if _, ok := got["ec-private"].Key.(*ecdsa.PublicKey); !ok {
		t.Errorf("private key entry yielded %T, want *ecdsa.PublicKey", got["ec-private"].Key)
	}
	if got["ec"].Algorithm != "ES256" {
		t.Errorf("ec Algorithm = %q, want ES256", got["ec"].Algorithm)
	}
}

func TestParse_Errors(t *testing.T) {
	ks := New("http://unused.invalid", WithLogger(testLogger()))

	if _, err := ks.parse([]byte(`{"keys":[]}`)); !errors.Is(err, ErrNoUsableKeys) {
		t.Errorf("parse(empty) error = %v, want ErrNoUsableKeys", err)
	}
	if _, err := ks.parse([]byte(`<html>`)); err == nil {
		t.Error("parse(html) expected error")
	}
}

func TestFetch_DocumentTooLarge(t *testing.T) {
	srv := newJWKSServer(t, []byte(`{"keys":[`+strings.Repeat(" ", maxDocumentSize)+`]}`))
	ks := newKeySet(t, srv.URL)

	_, err := ks.SigningKey(context.Background(), "k1")
	if !errors.Is(err, auth.ErrKeyNotFound) || !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("SigningKey() error = %v, want size error wrapped in ErrKeyNotFound", err)
	}
}

func TestFetchObserver(t *testing.T) {
	priv := rsaKey(t)
	srv := newJWKSServer(t, marshalKeys(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1"}))

	var mu sync.Mutex
	var results []string
	ks := newKeySet(t, srv.URL, WithFetchObserver(func(result string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, result)
	}))

	_, _ = ks.SigningKey(context.Background(), "k1")
	srv.set([]byte("{"), http.StatusOK)
	_, _ = ks.SigningKey(context.Background(), "k2")

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || results[0] != FetchOK || results[1] != FetchError {
		t.Errorf("observed = %v, want [ok error]", results)
	}
}

func TestSigningKey_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	defer close(release)

	ks := newKeySet(t, srv.URL, WithFetchTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ks.SigningKey(ctx, "k1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SigningKey() error = %v, want context.DeadlineExceeded", err)
	}
}
