package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/mmdatafocus/stock_engine/syncqueue"
	"github.com/mmdatafocus/stock_engine/utils"
	"github.com/mmdatafocus/stock_engine/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type testServer struct {
	router *gin.Engine
	store  *docstore.MemoryStore
	engine *workflow.Engine
}

func newTestServer(t *testing.T, cfg config.EngineConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	q, err := syncqueue.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"), logger)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	q.ApplyConfig(cfg)

	store := docstore.NewMemoryStore()
	engine := workflow.NewEngine(store, q, nil, logger, cfg)
	t.Cleanup(engine.Close)

	h := newAPIHandler(logger)
	h.setEngine(engine)
	return &testServer{router: newRouter(h), store: store, engine: engine}
}

func testEngineConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.CostSyncDelay = time.Hour
	return cfg
}

func token(t *testing.T, branchId, role string) string {
	t.Helper()
	tok, err := utils.JwtGenerate("user-1", "tenant-1", branchId, role)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seed(t *testing.T, tok string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/inventory", tok, map[string]any{
		"id": "milk", "name": "Milk", "unit": "L", "quantity": 5, "cost_per_unit": 0.5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create inventory: %d %s", w.Code, w.Body)
	}
	w = s.do(t, http.MethodPut, "/api/menu-items/latte", tok, map[string]any{
		"name": "Latte", "price": 4.5,
		"recipe": []map[string]any{{"ingredient_id": "milk", "quantity": 0.2}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert menu item: %d %s", w.Code, w.Body)
	}
}

func orderBody(key string, qty int) map[string]any {
	return map[string]any{
		"idempotency_key": key,
		"lines":           []map[string]any{{"item_id": "latte", "quantity": qty, "unit_price": 4.5}},
	}
}

func TestAPI_HealthzNeedsNoToken(t *testing.T) {
	s := newTestServer(t, testEngineConfig())
	if w := s.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestAPI_NotReadyUntilEngineInstalled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRouter(newAPIHandler(logrus.New()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/pos-items/latte", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestAPI_ScopeResolution(t *testing.T) {
	s := newTestServer(t, testEngineConfig())
	tests := []struct {
		name   string
		tok    string
		header string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", "", http.StatusUnauthorized},
		{"no branch anywhere", token(t, "", "staff"), "", http.StatusBadRequest},
		{"location id passed as branch", token(t, "", "staff"), "loc_B1", http.StatusBadRequest},
		{"home branch", token(t, "B1", "staff"), "", http.StatusNotFound},
		{"home branch spelled differently", token(t, "B1", "staff"), " b1 ", http.StatusNotFound},
		{"staff switching branch", token(t, "B1", "staff"), "B2", http.StatusForbidden},
		{"admin switching branch", token(t, "B1", utils.RoleAdmin), "B2", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"X-Branch-Id", tt.header}
			}
			w := s.do(t, http.MethodGet, "/api/pos-items/latte", tt.tok, nil, headers...)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestAPI_CompleteOrderDeductsStock(t *testing.T) {
	s := newTestServer(t, testEngineConfig())
	tok := token(t, "B1", "staff")
	s.seed(t, tok)

	w := s.do(t, http.MethodPost, "/api/orders/complete", tok, orderBody("till-9", 2))
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body)
	}
	var res workflow.FulfillmentResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != workflow.FulfillmentApplied || len(res.Movements) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	w = s.do(t, http.MethodGet, "/api/inventory/milk", tok, nil)
	var item models.InventoryItem
	if err := json.Unmarshal(w.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if !item.Quantity.Equal(decimal.RequireFromString("4.6")) {
		t.Fatalf("milk = %s, want 4.6", item.Quantity)
	}

	w = s.do(t, http.MethodGet, "/api/pos-items/latte", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pos item: %d %s", w.Code, w.Body)
	}
	w = s.do(t, http.MethodGet, "/api/ingredients/milk/menu-items", tok, nil)
	var uses struct {
		MenuItemIds []string `json:"menuItemIds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &uses); err != nil || len(uses.MenuItemIds) != 1 || uses.MenuItemIds[0] != "latte" {
		t.Fatalf("reverse lookup: %s %v", w.Body, err)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	cfg := testEngineConfig()
	cfg.NegativeStockPolicy = config.NegativeStockReject
	s := newTestServer(t, cfg)
	tok := token(t, "B1", "staff")
	s.seed(t, tok)

	if w := s.do(t, http.MethodPost, "/api/orders/complete", tok, orderBody("big", 100)); w.Code != http.StatusConflict {
		t.Fatalf("insufficient stock: %d %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPost, "/api/inventory/milk/adjust", tok, map[string]any{"delta": 1, "reason": "waste"}); w.Code != http.StatusBadRequest {
		t.Fatalf("positive waste: %d %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPost, "/api/inventory/ghost/receive", tok, map[string]any{"quantity": 1}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown item: %d %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodGet, "/api/menu-items/ghost/recipe", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown recipe: %d %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPost, "/api/orders/complete", tok, "not an object"); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d %s", w.Code, w.Body)
	}
}

func TestAPI_OfflineWritesAreAccepted(t *testing.T) {
	s := newTestServer(t, testEngineConfig())
	tok := token(t, "B1", "staff")
	s.seed(t, tok)

	s.store.SetOffline(true)
	w := s.do(t, http.MethodPost, "/api/orders/complete", tok, orderBody("offline-1", 1))
	if w.Code != http.StatusAccepted {
		t.Fatalf("complete offline: %d %s", w.Code, w.Body)
	}
	w = s.do(t, http.MethodPost, "/api/inventory/milk/receive", tok, map[string]any{"quantity": 2, "idempotency_key": "grn-1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("receive offline: %d %s", w.Code, w.Body)
	}

	admin := token(t, "B1", utils.RoleAdmin)
	w = s.do(t, http.MethodGet, "/api/sync/status", admin, nil)
	var status syncqueue.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil || status.PendingCount != 2 {
		t.Fatalf("sync status: %s %v", w.Body, err)
	}
}

func TestAPI_SyncRoutesNeedAdmin(t *testing.T) {
	s := newTestServer(t, testEngineConfig())
	if w := s.do(t, http.MethodGet, "/api/sync/failed", token(t, "B1", "staff"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("staff: %d", w.Code)
	}
	admin := token(t, "B1", utils.RoleAdmin)
	if w := s.do(t, http.MethodGet, "/api/sync/failed", admin, nil); w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Fatalf("admin list: %d %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodPost, "/api/sync/failed/nope/retry", admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("retry unknown: %d %s", w.Code, w.Body)
	}
}
