package v1_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/lock"
	"stockledger/internal/domain/posting"
	"stockledger/internal/domain/reference"
	"stockledger/internal/domain/registers/stock"
	v1 "stockledger/internal/infrastructure/http/v1"
	"stockledger/internal/infrastructure/storage/memory"
	"stockledger/pkg/logger"
)

type apiEnv struct {
	handler  http.Handler
	product  reference.Entry
	unit     reference.Entry
	locality reference.Entry
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()

	store := memory.NewStore()
	catalog := memory.NewCatalog()
	e := &apiEnv{
		unit:     catalog.Add(reference.KindUnit, "pcs"),
		locality: catalog.Add(reference.KindLocality, "Main"),
		product:  catalog.AddProduct("Bolt", "Acme"),
	}

	engine := posting.NewEngine(store, store, reference.NewResolver(catalog), lock.NewGuard(time.Second))
	e.handler = v1.NewRouter(v1.RouterConfig{
		Engine:  engine,
		Service: stock.NewService(store, store),
		Logger:  logger.NewNop(),
	})
	return e
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) batch(batchID, direction string, qty any) map[string]any {
	return map[string]any{
		"batchId":   batchID,
		"direction": direction,
		"lines": []map[string]any{{
			"productId":  e.product.ID.String(),
			"unitId":     e.unit.ID.String(),
			"localityId": e.locality.ID.String(),
			"quantity":   qty,
		}},
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type errorBody struct {
	Code      string         `json:"code"`
	Details   map[string]any `json:"details"`
	Retryable bool           `json:"retryable"`
}

type batchBody struct {
	BatchID   string `json:"batchId"`
	Replayed  bool   `json:"replayed"`
	Outcome   string `json:"outcome"`
	Movements []struct {
		ID          string  `json:"id"`
		Quantity    float64 `json:"quantity"`
		ProductName string  `json:"productName"`
		BrandName   string  `json:"brandName"`
	} `json:"movements"`
}

type totalsBody struct {
	Items []struct {
		ProductID string  `json:"productId"`
		Quantity  float64 `json:"quantity"`
	} `json:"items"`
	TotalCount int `json:"totalCount"`
}

func TestSubmitBatch_InThenOut(t *testing.T) {
	e := newAPI(t)

	w := e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("in-1", "IN", 10), "X-Actor", "clerk")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[batchBody](t, w)
	assert.Equal(t, "in-1", created.BatchID)
	require.Len(t, created.Movements, 1)
	assert.Equal(t, 10.0, created.Movements[0].Quantity)
	assert.Equal(t, "Bolt", created.Movements[0].ProductName)
	assert.Equal(t, "Acme", created.Movements[0].BrandName)

	w = e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("out-1", "out", "4"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, "/api/v1/stock/totals?productId="+e.product.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	totals := decode[totalsBody](t, w)
	require.Len(t, totals.Items, 1)
	assert.Equal(t, 6.0, totals.Items[0].Quantity)

	w = e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("out-2", "OUT", 10))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperror.CodeInsufficientStock, decode[errorBody](t, w).Code)

	w = e.do(t, http.MethodGet, "/api/v1/stock/products/"+e.product.ID.String()+"/total", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"productId":"`+e.product.ID.String()+`","quantity":6,"localities":1}`, w.Body.String())
}

func TestSubmitBatch_Replay(t *testing.T) {
	e := newAPI(t)

	w := e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("", "IN", 5), "X-Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[batchBody](t, w)
	assert.Equal(t, "retry-me", first.BatchID)

	w = e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("retry-me", "IN", 5))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get("X-Batch-Replayed"))
	replay := decode[batchBody](t, w)
	assert.True(t, replay.Replayed)
	assert.Equal(t, apperror.CodeDuplicateBatch, replay.Outcome)
	assert.Equal(t, first.Movements[0].ID, replay.Movements[0].ID)

	w = e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("retry-me", "IN", 7))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.CodeIdempotencyMismatch, decode[errorBody](t, w).Code)

	w = e.do(t, http.MethodGet, "/api/v1/stock/totals", nil)
	assert.Equal(t, 5.0, decode[totalsBody](t, w).Items[0].Quantity)
}

func TestSubmitBatch_InputErrors(t *testing.T) {
	e := newAPI(t)

	bad := e.batch("", "IN", 1)
	bad["lines"].([]map[string]any)[0]["unitId"] = "not-a-uuid"

	unknown := e.batch("", "IN", 1)
	unknown["lines"].([]map[string]any)[0]["productId"] = "0190f0a4-1111-7000-8000-000000000001"

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed id", bad, http.StatusBadRequest, apperror.CodeInvalidLine},
		{"zero quantity", e.batch("", "IN", 0), http.StatusBadRequest, apperror.CodeInvalidLine},
		{"too precise", e.batch("", "IN", "0.00001"), http.StatusBadRequest, apperror.CodeInvalidLine},
		{"bad direction", e.batch("", "SIDEWAYS", 1), http.StatusBadRequest, apperror.CodeValidation},
		{"no lines", map[string]any{"direction": "IN", "lines": []any{}}, http.StatusBadRequest, apperror.CodeValidation},
		{"unknown product", unknown, http.StatusNotFound, apperror.CodeReferenceNotFound},
		{"not json", "{", http.StatusBadRequest, apperror.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/stock/batches", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[errorBody](t, w).Code)
		})
	}

	w := e.do(t, http.MethodGet, "/api/v1/stock/movements", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[],"pagination":{"page":1,"pageSize":50,"totalItems":0,"totalPages":0}}`, w.Body.String())
}

func TestListMovements_Pagination(t *testing.T) {
	e := newAPI(t)
	for i := 0; i < 3; i++ {
		w := e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("", "IN", i+1))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := e.do(t, http.MethodGet, "/api/v1/stock/movements?pageSize=2&page=1&direction=IN&productId="+e.product.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page struct {
		Data []struct {
			ID       string  `json:"id"`
			Quantity float64 `json:"quantity"`
		} `json:"data"`
		Pagination struct {
			TotalItems int `json:"totalItems"`
			TotalPages int `json:"totalPages"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 2)
	assert.Equal(t, 3.0, page.Data[0].Quantity, "newest first")
	assert.Equal(t, 3, page.Pagination.TotalItems)
	assert.Equal(t, 2, page.Pagination.TotalPages)

	w = e.do(t, http.MethodGet, "/api/v1/stock/movements/"+page.Data[0].ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/stock/movements?fromDate=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/stock/movements/0190f0a4-1111-7000-8000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetLimits(t *testing.T) {
	e := newAPI(t)

	w := e.do(t, http.MethodPut, "/api/v1/stock/limits", map[string]any{
		"productId":   e.product.ID.String(),
		"localityId":  e.locality.ID.String(),
		"minQuantity": 2,
		"maxQuantity": "15",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("", "IN", 16))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperror.CodeStockLimitExceeded, decode[errorBody](t, w).Code)

	w = e.do(t, http.MethodPut, "/api/v1/stock/limits", map[string]any{
		"productId":   e.product.ID.String(),
		"localityId":  e.locality.ID.String(),
		"minQuantity": 20,
		"maxQuantity": 15,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConsistencyAndHealth(t *testing.T) {
	e := newAPI(t)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/stock/batches", e.batch("", "IN", 3)).Code)

	w := e.do(t, http.MethodGet, "/api/v1/stock/consistency", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[stock.ConsistencyReport](t, w)
	assert.True(t, report.Consistent)
	assert.Equal(t, 1, report.Checked)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health/ready", nil).Code)

	w = e.do(t, http.MethodGet, "/health/live", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}
