package http_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	metergatehttp "github.com/artpar/metergate/adapters/http"
)

func gatedServer(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	resource := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"answer":42}`)
	})
	return f.handler.Gate("chat", metergatehttp.HeaderIdentity)(resource)
}

func gatedRequest(identity, t string) *http.Request {
	req := httptest.NewRequest("GET", "/answer", nil)
	if identity != "" {
		req.Header.Set("X-Api-Identity", identity)
		req.Header.Set("X-Api-Tier", t)
	}
	return req
}

func TestGate_AllowedServesAndRecordsUsage(t *testing.T) {
	f := newFixture(t)
	srv := gatedServer(t, f)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, gatedRequest("user-1", "basic"))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("X-RateLimit-Remaining = %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	usageID := rr.Header().Get("X-Usage-Id")
	if usageID == "" {
		t.Fatal("X-Usage-Id header missing")
	}

	if err := f.recorder.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	records, err := f.store.ListRecent(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.ID != usageID {
		t.Errorf("record id = %q, want header value %q", rec.ID, usageID)
	}
	if rec.Category != "chat" || !rec.Success {
		t.Errorf("record = %+v", rec)
	}
	if rec.TokensOut == 0 {
		t.Error("response bytes not converted to a token estimate")
	}
}

func TestGate_MissingIdentityUnauthorized(t *testing.T) {
	f := newFixture(t)
	srv := gatedServer(t, f)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, gatedRequest("", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestGate_OverLimitRejectsWithoutServing(t *testing.T) {
	f := newFixture(t)
	served := 0
	resource := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
	})
	srv := f.handler.Gate("chat", nil)(resource)

	var rr *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rr = httptest.NewRecorder()
		srv.ServeHTTP(rr, gatedRequest("user-1", "free"))
	}

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if served != 5 {
		t.Errorf("resource served %d times, want 5", served)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// No usage record for the rejected request.
	if err := f.recorder.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	records, _ := f.store.ListRecent(context.Background(), "user-1", 10)
	if len(records) != 5 {
		t.Errorf("records = %d, want 5 (rejected requests are not billed)", len(records))
	}
}

func TestGate_FailureFallsBackToHeaderIdentity(t *testing.T) {
	f := newFixture(t)
	srv := f.handler.Gate("chat", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, gatedRequest("user-1", "basic"))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with default resolver", rr.Code)
	}
}
