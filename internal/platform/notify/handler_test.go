package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/notify/internal/domain/subscription"
)

func newTestServer(t *testing.T) (*echo.Echo, *subscription.InMemoryStore) {
	t.Helper()
	store := subscription.NewInMemoryStore("acme", "")
	m := newTestManager(t, &fakeChannel{}, store)
	m.Attach(store)

	e := echo.New()
	NewHandler(m).RegisterRoutes(e.Group("/api/v1"))
	return e, store
}

func TestHandler_GetStats(t *testing.T) {
	e, store := newTestServer(t)
	createSub(t, store, restHookSub("sub-1", subscription.ContentEmpty))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stats", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if stats.QueueDepth != 1 || stats.Tenants != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestHandler_ListSubscriptions(t *testing.T) {
	e, store := newTestServer(t)
	sub := restHookSub("sub-1", subscription.ContentEmpty)
	sub.Channel.AddParameter("Authorization", "Bearer secret")
	createSub(t, store, sub)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/subscriptions/acme", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Bearer secret") {
		t.Error("channel parameters must not be exposed")
	}
	var body struct {
		Total         int                      `json:"total"`
		Subscriptions []map[string]interface{} `json:"subscriptions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Total != 1 || body.Subscriptions[0]["id"] != "sub-1" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_UnknownTenant(t *testing.T) {
	e, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/subscriptions/ghost", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// brokenStore fails every subscription listing.
type brokenStore struct {
	*subscription.InMemoryStore
}

func (brokenStore) CurrentSubscriptions(context.Context) ([]*subscription.Subscription, error) {
	return nil, errors.New(`ERROR: relation "tenant_acme.subscription" does not exist (SQLSTATE 42P01)`)
}

func TestHandler_ListSubscriptionsHidesStoreErrors(t *testing.T) {
	store := brokenStore{subscription.NewInMemoryStore("acme", "")}
	m := newTestManager(t, &fakeChannel{})
	m.Attach(store)
	e := echo.New()
	NewHandler(m).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/subscriptions/acme", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "SQLSTATE") || strings.Contains(rec.Body.String(), "tenant_acme") {
		t.Errorf("store error leaked to the client: %s", rec.Body.String())
	}
}
