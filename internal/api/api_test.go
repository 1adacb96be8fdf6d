package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/pkg/engine"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

func setupTestRouter() (*gin.Engine, *Handler) {
	gin.SetMode(gin.TestMode)
	store := engine.NewMemStore(nil, nil)
	h := &Handler{Store: store, Journal: audit.NewStoreJournal(store)}
	r := gin.New()
	h.Register(r.Group("/api"))
	return r, h
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetPersonas(t *testing.T) {
	r, h := setupTestRouter()
	h.Store.Set("p1", "a1", "k1", "v1")

	w := get(r, "/api/personas")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var personas []string
	json.Unmarshal(w.Body.Bytes(), &personas)
	if len(personas) != 1 || personas[0] != "p1" {
		t.Errorf("Expected [p1], got %v", personas)
	}
}

func TestGetAppStore(t *testing.T) {
	r, h := setupTestRouter()
	h.Store.Set("p1", "a1", "k1", map[string]any{"name": "test"})

	w := get(r, "/api/personas/p1/apps/a1")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var data map[string]any
	json.Unmarshal(w.Body.Bytes(), &data)
	if data["k1"].(map[string]any)["name"] != "test" {
		t.Errorf("Expected test, got %v", data["k1"])
	}

	if w := get(r, "/api/personas/nobody/apps/a1"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestGetGlobalAPI(t *testing.T) {
	r, h := setupTestRouter()
	h.Store.Set("p1", "a1", "k1", "v1")

	w := get(r, "/api/global/a1/k1")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var res map[string]any
	json.Unmarshal(w.Body.Bytes(), &res)
	if res["persona"] != "p1" || res["value"] != "v1" {
		t.Errorf("Unexpected response: %v", res)
	}
}

func TestGetUser(t *testing.T) {
	r, h := setupTestRouter()
	u := schema.User{ID: "77", Balance: decimal.NewFromInt(12)}
	if err := sdk.Set(h.Store, "77", schema.AppAccount, schema.AccountKey, u); err != nil {
		t.Fatal(err)
	}

	w := get(r, "/api/users/77")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var res struct {
		Version uint64      `json:"version"`
		User    schema.User `json:"user"`
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Version == 0 || !res.User.Balance.Equal(decimal.NewFromInt(12)) {
		t.Errorf("Unexpected response: %s", w.Body.String())
	}

	if w := get(r, "/api/users/78"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListWithdrawals(t *testing.T) {
	r, h := setupTestRouter()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []schema.Withdrawal{
		{ID: "w2", UserID: "1", Amount: decimal.NewFromInt(500), Destination: "sealed-blob", Sealed: true, Status: schema.WithdrawalPending, CreatedAt: base.Add(time.Hour)},
		{ID: "w1", UserID: "2", Amount: decimal.NewFromInt(400), Destination: "UQ-plain", Status: schema.WithdrawalPending, CreatedAt: base},
		{ID: "w3", UserID: "2", Amount: decimal.NewFromInt(450), Status: schema.WithdrawalCompleted, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, w := range records {
		if err := sdk.Set(h.Store, w.UserID, schema.AppWithdrawals, w.ID, w); err != nil {
			t.Fatal(err)
		}
	}

	w := get(r, "/api/withdrawals?status=pending")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var out []schema.Withdrawal
	json.Unmarshal(w.Body.Bytes(), &out)
	if len(out) != 2 || out[0].ID != "w1" || out[1].ID != "w2" {
		t.Fatalf("Unexpected order or filter: %+v", out)
	}
	if out[1].Destination != "" {
		t.Errorf("Sealed destination leaked: %q", out[1].Destination)
	}
	if out[0].Destination != "UQ-plain" {
		t.Errorf("Plain destination lost: %q", out[0].Destination)
	}

	w = get(r, "/api/withdrawals")
	json.Unmarshal(w.Body.Bytes(), &out)
	if len(out) != 3 {
		t.Errorf("Expected 3 withdrawals, got %d", len(out))
	}
}

func TestRecentAudit(t *testing.T) {
	r, h := setupTestRouter()
	for i, action := range []string{audit.ActionBan, audit.ActionUnban} {
		entry := schema.AuditLog{Timestamp: time.Unix(int64(1000+i), 0), Actor: "900", Action: action, PersonaID: "5"}
		if err := h.Journal.Record(context.Background(), entry); err != nil {
			t.Fatal(err)
		}
	}

	w := get(r, "/api/audit?limit=1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var entries []schema.AuditLog
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Action != audit.ActionUnban {
		t.Errorf("Unexpected entries: %+v", entries)
	}

	if w := get(r, "/api/audit?limit=zero"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}
