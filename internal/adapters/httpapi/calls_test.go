package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Call/internal/adapters/signal/hub"
	memstore "github.com/dkeye/Call/internal/adapters/store/memory"
	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/domain"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	store := memstore.New()
	svc := app.NewCallService(store, app.NewHistoryRecorder(store))
	return SetupRouter(context.Background(), cfg, svc, hub.New(0, 0))
}

func doJSON(t *testing.T, r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "ct", Value: user})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) *domain.CallSession {
	t.Helper()
	var sess domain.CallSession
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("bad session body: %v (%s)", err, w.Body.String())
	}
	return &sess
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	r := newRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/calls", "alice", gin.H{
		"recipient_id": "bob",
		"call_type":    "video",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	sess := decodeSession(t, w)
	if sess.Status != domain.StatusRinging {
		t.Fatalf("expected ringing, got %s", sess.Status)
	}

	w = doJSON(t, r, http.MethodPost, "/api/calls/"+sess.ID+"/accept", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if got := decodeSession(t, w); got.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}

	w = doJSON(t, r, http.MethodPost, "/api/calls/"+sess.ID+"/end", "alice", gin.H{
		"duration_seconds": 21,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if got := decodeSession(t, w); got.Status != domain.StatusEnded {
		t.Fatalf("expected ended, got %s", got.Status)
	}

	w = doJSON(t, r, http.MethodGet, "/api/history", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
	var hist struct {
		History []domain.CallHistoryEntry `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist.History))
	}
	if hist.History[0].DurationSeconds != 21 {
		t.Fatalf("expected duration 21, got %d", hist.History[0].DurationSeconds)
	}
}

func TestRejectAfterAcceptConflicts(t *testing.T) {
	r := newRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/calls", "alice", gin.H{"recipient_id": "bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: got %d", w.Code)
	}
	sess := decodeSession(t, w)

	if w = doJSON(t, r, http.MethodPost, "/api/calls/"+sess.ID+"/accept", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("accept: got %d", w.Code)
	}
	if w = doJSON(t, r, http.MethodPost, "/api/calls/"+sess.ID+"/reject", "bob", nil); w.Code != http.StatusConflict {
		t.Fatalf("reject after accept: expected 409, got %d", w.Code)
	}
}

func TestUnknownCallIs404(t *testing.T) {
	r := newRouter(t)
	if w := doJSON(t, r, http.MethodGet, "/api/calls/does-not-exist", "alice", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestInitiateValidatesBody(t *testing.T) {
	r := newRouter(t)

	if w := doJSON(t, r, http.MethodPost, "/api/calls", "alice", gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing recipient: expected 400, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/api/calls", "alice", gin.H{
		"recipient_id": "bob",
		"call_type":    "hologram",
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad call_type: expected 400, got %d", w.Code)
	}
}

func TestEndRejectsNegativeDuration(t *testing.T) {
	r := newRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/calls", "alice", gin.H{"recipient_id": "bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: got %d", w.Code)
	}
	sess := decodeSession(t, w)
	if w = doJSON(t, r, http.MethodPost, "/api/calls/"+sess.ID+"/accept", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("accept: got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/calls/"+sess.ID+"/end", "alice", gin.H{
		"duration_seconds": -3,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative duration: expected 400, got %d (%s)", w.Code, w.Body.String())
	}

	// The call is untouched and can still end normally.
	w = doJSON(t, r, http.MethodPost, "/api/calls/"+sess.ID+"/end", "alice", gin.H{
		"duration_seconds": 3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("valid end after rejection: got %d", w.Code)
	}
}

func TestInitiateRateLimited(t *testing.T) {
	r := newRouter(t)

	var last int
	for i := 0; i < 12; i++ {
		w := doJSON(t, r, http.MethodPost, "/api/calls", "alice", gin.H{"recipient_id": "bob"})
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}
}
