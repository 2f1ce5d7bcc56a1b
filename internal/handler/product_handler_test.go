package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cattybeo/inventory-dashboard/internal/cache"
	"github.com/cattybeo/inventory-dashboard/internal/domain"
	"github.com/cattybeo/inventory-dashboard/internal/mqtt"
	"github.com/cattybeo/inventory-dashboard/internal/repository"
	"github.com/cattybeo/inventory-dashboard/internal/service"
)

type memStore struct {
	products map[string]*domain.Product
	lists    int
}

func (s *memStore) CreateProduct(_ context.Context, p *domain.Product) error {
	s.products[p.ID] = p
	return nil
}

func (s *memStore) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return p, nil
}

func (s *memStore) GetProductByRFID(_ context.Context, rfid string) (*domain.Product, error) {
	for _, p := range s.products {
		if p.RFIDUID == rfid {
			return p, nil
		}
	}
	return nil, repository.ErrProductNotFound
}

func (s *memStore) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.lists++
	var out []domain.Product
	for _, p := range s.products {
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) UpdateProduct(_ context.Context, id string, up domain.ProductUpdate) (*domain.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	if up.CurrentStock != nil {
		p.CurrentStock = *up.CurrentStock
	}
	if up.Name != nil {
		p.Name = *up.Name
	}
	return p, nil
}

func (s *memStore) DeleteProduct(_ context.Context, id string) error {
	if _, ok := s.products[id]; !ok {
		return repository.ErrProductNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *memStore) SalesTotalForDay(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *memStore) DailySales(context.Context, string, int) ([]domain.DailySales, error) {
	return nil, nil
}

type stubTransport struct{ state mqtt.ConnectionState }

func (t *stubTransport) Status() mqtt.Status {
	return mqtt.Status{State: t.state, StateName: t.state.String()}
}

type stubPinger struct{ err error }

func (p *stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T) (*gin.Engine, *memStore, *cache.QueryCache) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &memStore{products: map[string]*domain.Product{
		"p1": {ID: "p1", SKU: "SKU-1", Name: "Cola", RFIDUID: "TAG-7", CurrentStock: 10, InitStock: 10},
	}}
	qc := cache.New()
	svc := service.NewProductService(store, zap.NewNop())
	h := NewProductHandler(svc, qc, &stubTransport{state: mqtt.StateConnected}, &stubPinger{}, zap.NewNop())

	router := gin.New()
	h.RegisterRoutes(router)
	return router, store, qc
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestListProductsIsCached(t *testing.T) {
	router, store, _ := newTestRouter(t)

	require.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/v1/products", "").Code)
	require.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/v1/products", "").Code)

	assert.Equal(t, 1, store.lists, "second read must come from the cache")
}

func TestSetStockInvalidatesCache(t *testing.T) {
	router, store, _ := newTestRouter(t)

	do(router, http.MethodGet, "/api/v1/products", "")

	w := do(router, http.MethodPut, "/api/v1/products/p1/stock", `{"current_stock":4}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"current_stock":4`)

	do(router, http.MethodGet, "/api/v1/products", "")
	assert.Equal(t, 2, store.lists, "edit must force a repopulate")
}

func TestSetStockRejectsNegative(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodPut, "/api/v1/products/p1/stock", `{"current_stock":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProductNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/products/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProductDuplicateRFID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/products",
		`{"sku":"SKU-2","name":"Other","rfid_uid":"TAG-7"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteProduct(t *testing.T) {
	router, store, _ := newTestRouter(t)

	w := do(router, http.MethodDelete, "/api/v1/products/p1", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, store.products)
}

func TestMQTTStatus(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/mqtt/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"connected"`)
}

func TestHealth(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := &memStore{products: map[string]*domain.Product{}}
	svc := service.NewProductService(store, zap.NewNop())
	h := NewProductHandler(svc, cache.New(), &stubTransport{state: mqtt.StateReconnecting},
		&stubPinger{err: context.DeadlineExceeded}, zap.NewNop())

	router := gin.New()
	h.RegisterRoutes(router)

	w := do(router, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"mqtt":"reconnecting"`)
}
