package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestSignAndVerify(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	if !VerifySignature([]byte(`{"a":1}`), "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature([]byte(`{"a":2}`), "secret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestNewNotifier_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "not a url", "http://"} {
		if _, err := NewNotifier([]Endpoint{{URL: raw}}, zerolog.Nop()); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
}

func TestNotify_SignsAndDelivers(t *testing.T) {
	var got Event
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = strings.TrimPrefix(r.Header.Get("X-Webhook-Signature"), "sha256=")
		if !VerifySignature(body, "s3cret", sig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewNotifier([]Endpoint{{URL: srv.URL, Secret: "s3cret"}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if err := n.Notify(context.Background(), "handover.escalated", id, map[string]string{"reason": "ward transfer"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != "handover.escalated" || got.ResourceID != id.String() {
		t.Errorf("unexpected event %+v", got)
	}
	if !strings.Contains(string(got.Payload), "ward transfer") {
		t.Errorf("expected payload to be carried, got %s", got.Payload)
	}
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, _ := NewNotifier([]Endpoint{{URL: srv.URL}}, zerolog.Nop(), WithRetryDelays(time.Millisecond, time.Millisecond))
	if err := n.Notify(context.Background(), "handover.overdue", uuid.New(), nil); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestNotify_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n, _ := NewNotifier([]Endpoint{{URL: srv.URL}}, zerolog.Nop(), WithRetryDelays(time.Millisecond, time.Millisecond))
	if err := n.Notify(context.Background(), "handover.overdue", uuid.New(), nil); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestNotify_OneEndpointFailing(t *testing.T) {
	var okCalls int32
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&okCalls, 1)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	n, _ := NewNotifier([]Endpoint{{URL: bad.URL}, {URL: ok.URL}}, zerolog.Nop(), WithRetryDelays())
	if err := n.Notify(context.Background(), "handover.escalated", uuid.New(), nil); err == nil {
		t.Error("expected the failing endpoint to be reported")
	}
	if atomic.LoadInt32(&okCalls) != 1 {
		t.Errorf("expected healthy endpoint to receive the event, got %d calls", okCalls)
	}
}
