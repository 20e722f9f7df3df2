package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Call/internal/domain"
)

func TestRenameValidatesName(t *testing.T) {
	r := newRouter(t)

	if w := doJSON(t, r, http.MethodPost, "/api/rename", "alice", gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", w.Code)
	}
	long := strings.Repeat("x", domain.MaxUsernameLen+1)
	if w := doJSON(t, r, http.MethodPost, "/api/rename", "alice", gin.H{"name": long}); w.Code != http.StatusBadRequest {
		t.Fatalf("overlong name: expected 400, got %d", w.Code)
	}
}

func TestRenameAndWhoAmI(t *testing.T) {
	r := newRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/rename", "alice", gin.H{"name": "Alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var u domain.User
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	if u.Username != "Alice" || u.ID != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	// Identity comes from the client token even without a session.
	w = doJSON(t, r, http.MethodGet, "/api/whoami", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("whoami: expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	if u.ID != "alice" {
		t.Fatalf("expected client token identity, got %q", u.ID)
	}
}
