package invocation

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestNew_ReadsRequestID(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(HeaderRequestID, "req-1")
	inv := New(http.StatusOK, h, []byte(`{}`))

	if inv.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", inv.RequestID, "req-1")
	}
	if inv.Verdict() != VerdictPending {
		t.Errorf("Verdict() = %q, want %q", inv.Verdict(), VerdictPending)
	}
	if !inv.Deliverable() {
		t.Error("Deliverable() = false for 200")
	}
	if New(http.StatusInternalServerError, http.Header{}, nil).Deliverable() {
		t.Error("Deliverable() = true for 500")
	}
}

func TestVerdict_SetOnce(t *testing.T) {
	t.Parallel()

	inv := New(http.StatusOK, http.Header{}, nil)
	if err := inv.Block(ReasonNotBearer); err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	if err := inv.Allow(); !errors.Is(err, ErrVerdictDecided) {
		t.Errorf("Allow() after Block error = %v, want ErrVerdictDecided", err)
	}
	if err := inv.Block(ReasonInvalidToken); !errors.Is(err, ErrVerdictDecided) {
		t.Errorf("second Block() error = %v, want ErrVerdictDecided", err)
	}
	if inv.Verdict() != VerdictBlock || inv.Reason() != ReasonNotBearer {
		t.Errorf("verdict = %q/%q, want block/not-bearer", inv.Verdict(), inv.Reason())
	}

	allowed := New(http.StatusOK, http.Header{}, nil)
	if err := allowed.Allow(); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed.Reason() != "" {
		t.Errorf("Reason() = %q after Allow, want empty", allowed.Reason())
	}
}

func TestBlockResponse(t *testing.T) {
	t.Parallel()

	for _, reason := range []Reason{ReasonMissingHeader, ReasonNotBearer, ReasonInvalidToken} {
		inv := New(http.StatusOK, http.Header{}, nil)
		_ = inv.Block(reason)

		var body map[string]string
		if err := json.Unmarshal(inv.BlockResponse(), &body); err != nil {
			t.Fatalf("BlockResponse() is not JSON: %v", err)
		}
		if len(body) != 1 || body["error"] != string(reason) {
			t.Errorf("BlockResponse() = %v, want {error: %q}", body, reason)
		}
	}
}
