// Package integration provides end-to-end tests that run the gate's real
// components together: the Runtime API listener, the gate service, the
// control-plane client, the JWKS key set and the audit pipeline.
package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	gatehttp "github.com/Sentinel-Gate/runtimegate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/jwks"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/runtimegate/internal/adapter/outbound/runtimeapi"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/audit"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/auth"
	"github.com/Sentinel-Gate/runtimegate/internal/service"
)

const (
	issuer   = "https://issuer.example.com/"
	protocol = "2018-06-01"
)

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func sign(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func claims(sub string, scope ...string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   sub,
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

// keyServer publishes a JWKS whose keys can be swapped at runtime.
type keyServer struct {
	*httptest.Server
	mu  sync.Mutex
	doc []byte
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	ks := &keyServer{}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ks.mu.Lock()
		doc := ks.doc
		ks.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ks.Close)
	return ks
}

func (ks *keyServer) publish(t *testing.T, keys map[string]*ecdsa.PrivateKey) {
	t.Helper()
	var set jose.JSONWebKeySet
	for kid, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.PublicKey, KeyID: kid, Algorithm: "ES256", Use: "sig"})
	}
	doc, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}
	ks.mu.Lock()
	ks.doc = doc
	ks.mu.Unlock()
}

// controlPlane is a Runtime API that hands out queued invocations and
// records what the gate and the runtime post back.
type controlPlane struct {
	*httptest.Server
	queue chan [2]string

	mu        sync.Mutex
	responses map[string]string
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	cp := &controlPlane{queue: make(chan [2]string, 16), responses: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{version}/runtime/invocation/next", func(w http.ResponseWriter, r *http.Request) {
		select {
		case inv := <-cp.queue:
			w.Header().Set("Lambda-Runtime-Aws-Request-Id", inv[0])
			w.Header().Set("Lambda-Runtime-Deadline-Ms", "1893456000000")
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, inv[1])
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("POST /{version}/runtime/invocation/{id}/response", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cp.mu.Lock()
		cp.responses[r.PathValue("id")] = string(body)
		cp.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"status":"OK"}`)
	})
	cp.Server = httptest.NewServer(mux)
	t.Cleanup(cp.Close)
	return cp
}

func (cp *controlPlane) enqueue(requestID, token string) {
	payload := `{"rawPath":"/orders","headers":{"content-type":"application/json"}}`
	if token != "" {
		payload = `{"rawPath":"/orders","headers":{"authorization":"Bearer ` + token + `"}}`
	}
	cp.queue <- [2]string{requestID, payload}
}

func (cp *controlPlane) response(id string) string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.responses[id]
}

// stack is the gate wired the way the start command wires it.
type stack struct {
	runtimeURL string
	metrics    *gatehttp.Metrics
	store      *memory.MemoryAuditStore
	audit      *service.AuditService
}

func newStack(t *testing.T, cp *controlPlane, jwksURL string, condition string, verifierOpts ...auth.VerifierOption) *stack {
	t.Helper()
	logger := testLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	metrics := gatehttp.NewMetrics(reg)

	store := memory.NewAuditStoreWithWriter(io.Discard, 100)
	auditService := service.NewAuditService(store, logger, service.WithFlushInterval(10*time.Millisecond))
	auditService.Start(ctx)
	t.Cleanup(auditService.Stop)

	keySet := jwks.New(jwksURL, jwks.WithLogger(logger), jwks.WithFetchObserver(metrics.ObserveKeyFetch))
	opts := append([]auth.VerifierOption{auth.WithAlgorithms("ES256")}, verifierOpts...)
	if condition != "" {
		c, err := cel.NewClaimsCondition(condition)
		if err != nil {
			t.Fatal(err)
		}
		opts = append(opts, auth.WithClaimsPolicy(c))
	}
	verifier, err := auth.NewVerifier(keySet, issuer, opts...)
	if err != nil {
		t.Fatal(err)
	}

	client := runtimeapi.NewClient(strings.TrimPrefix(cp.URL, "http://"), runtimeapi.WithLogger(logger))
	t.Cleanup(client.CloseIdleConnections)

	gate, err := service.NewGateService(client, verifier, logger,
		service.WithAuditRecorder(auditService),
		service.WithObserver(metrics),
	)
	if err != nil {
		t.Fatal(err)
	}

	transport := gatehttp.NewHTTPTransport(gate,
		gatehttp.WithAddr("127.0.0.1:0"),
		gatehttp.WithLogger(logger),
		gatehttp.WithMetrics(metrics),
		gatehttp.WithShutdownTimeout(100*time.Millisecond),
	)
	done := make(chan error, 1)
	go func() { done <- transport.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-transport.Ready():
	case err := <-done:
		t.Fatalf("transport failed to start: %v", err)
	}

	return &stack{
		runtimeURL: "http://" + transport.Addr().String(),
		metrics:    metrics,
		store:      store,
		audit:      auditService,
	}
}

// next performs the runtime's next-invocation call.
func (s *stack) next(t *testing.T) (string, map[string]any) {
	t.Helper()
	resp, err := http.Get(s.runtimeURL + "/" + protocol + "/runtime/invocation/next")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("next status = %d, want 200", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode delivered payload: %v", err)
	}
	return resp.Header.Get("Lambda-Runtime-Aws-Request-Id"), payload
}

func TestFullPath_GateBlocksUntilAuthorizedInvocation(t *testing.T) {
	trusted, foreign := newECKey(t), newECKey(t)
	keys := newKeyServer(t)
	keys.publish(t, map[string]*ecdsa.PrivateKey{"k1": trusted})
	cp := newControlPlane(t)
	s := newStack(t, cp, keys.URL, `"invoke" in claims.scope`)

	cp.enqueue("no-header", "")
	cp.enqueue("forged", sign(t, foreign, "k1", claims("mallory", "invoke")))
	cp.enqueue("no-scope", sign(t, trusted, "k1", claims("bob", "read")))
	cp.enqueue("ok", sign(t, trusted, "k1", claims("alice", "invoke")))

	id, payload := s.next(t)
	if id != "ok" {
		t.Fatalf("delivered request id = %q, want ok", id)
	}
	verified, _ := payload["verifiedClaims"].(map[string]any)
	if verified["sub"] != "alice" {
		t.Errorf("verifiedClaims.sub = %v, want alice", verified["sub"])
	}
	if payload["rawPath"] != "/orders" {
		t.Errorf("original payload fields lost: %v", payload)
	}

	wantBlocks := map[string]string{
		"no-header": `{"error":"missing-header"}`,
		"forged":    `{"error":"invalid-token"}`,
		"no-scope":  `{"error":"invalid-token"}`,
	}
	for id, want := range wantBlocks {
		if got := cp.response(id); got != want {
			t.Errorf("block response for %s = %q, want %q", id, got, want)
		}
	}

	// The runtime answers the delivered invocation through the gate.
	resp, err := http.Post(s.runtimeURL+"/"+protocol+"/runtime/invocation/ok/response", "application/json",
		strings.NewReader(`{"statusCode":200}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("response status = %d, want 202", resp.StatusCode)
	}
	if got := cp.response("ok"); got != `{"statusCode":200}` {
		t.Errorf("function response = %q", got)
	}

	if got := testutil.ToFloat64(s.metrics.VerdictsTotal.WithLabelValues("block", "invalid-token")); got != 2 {
		t.Errorf("invalid-token verdicts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.metrics.VerificationFailures.WithLabelValues(string(auth.ClassClaimsRejected))); got != 1 {
		t.Errorf("claims-rejected failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.KeyFetchesTotal.WithLabelValues(jwks.FetchOK)); got != 1 {
		t.Errorf("jwks fetches = %v, want 1", got)
	}

	// Stop drains the audit channel into the store.
	s.audit.Stop()
	blocked := s.store.Query(audit.AuditFilter{Event: audit.EventVerdict, Verdict: "block"})
	if len(blocked) != 3 {
		t.Fatalf("blocked verdict records = %d, want 3", len(blocked))
	}
	for _, rec := range blocked {
		if rec.RequestID == "forged" && rec.ErrorClass != string(auth.ClassSignatureInvalid) {
			t.Errorf("forged error class = %q, want %q", rec.ErrorClass, auth.ClassSignatureInvalid)
		}
		if rec.TokenFingerprint != "" && strings.Contains(rec.TokenFingerprint, ".") {
			t.Errorf("record for %s carries a token, not a fingerprint", rec.RequestID)
		}
	}
	if got := s.store.Query(audit.AuditFilter{Event: audit.EventDelivery, RequestID: "ok"}); len(got) != 1 {
		t.Errorf("delivery records for ok = %d, want 1", len(got))
	}
}

func TestFullPath_KeyRotationWithRefresh(t *testing.T) {
	oldKey, newKey := newECKey(t), newECKey(t)
	keys := newKeyServer(t)
	keys.publish(t, map[string]*ecdsa.PrivateKey{"k1": oldKey})
	cp := newControlPlane(t)
	s := newStack(t, cp, keys.URL, "", auth.WithRefreshOnSignatureFailure(true))

	cp.enqueue("before", sign(t, oldKey, "k1", claims("alice")))
	if id, _ := s.next(t); id != "before" {
		t.Fatalf("delivered %q, want before", id)
	}

	// The issuer re-keys k1; the cached key no longer matches new tokens.
	keys.publish(t, map[string]*ecdsa.PrivateKey{"k1": newKey})
	cp.enqueue("after", sign(t, newKey, "k1", claims("alice")))
	if id, _ := s.next(t); id != "after" {
		t.Fatalf("delivered %q, want after", id)
	}
	if got := cp.response("after"); got != "" {
		t.Errorf("rotated-key invocation was blocked: %q", got)
	}
	if got := testutil.ToFloat64(s.metrics.KeyFetchesTotal.WithLabelValues(jwks.FetchOK)); got != 2 {
		t.Errorf("jwks fetches = %v, want 2 (initial + refresh)", got)
	}
}
