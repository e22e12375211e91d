package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dfcgate/engine"
	"dfcgate/internal/store"
)

func setupAPI(t *testing.T) (http.Handler, *engine.Engine) {
	t.Helper()
	ctx := context.Background()

	e, err := engine.New(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Exec(ctx, "CREATE TABLE orders (id INTEGER, total INTEGER)"))
	require.NoError(t, e.Exec(ctx, "INSERT INTO orders VALUES (1, 5), (2, 50), (3, 500)"))

	s, err := store.Open(filepath.Join(t.TempDir(), "policies.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return NewRouter(e, s, Options{AllowedOrigins: []string{"*"}}), e
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := setupAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateListDeletePolicy(t *testing.T) {
	h, _ := setupAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/policies", map[string]any{
		"policy": "SOURCES orders CONSTRAINT max(orders.total) > 10 ON FAIL REMOVE",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/v1/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "REMOVE", listed[0]["on_fail"])

	rec = doJSON(t, h, http.MethodDelete, "/v1/policies", map[string]any{
		"sources":    []string{"orders"},
		"constraint": "max(orders.total) > 10",
		"on_fail":    "REMOVE",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/policies", map[string]any{
		"sources":    []string{"orders"},
		"constraint": "max(orders.total) > 10",
		"on_fail":    "REMOVE",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePolicyValidationError(t *testing.T) {
	h, _ := setupAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/policies", map[string]any{
		"policy": "SOURCES missing CONSTRAINT max(missing.id) > 0 ON FAIL REMOVE",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp["message"], "does not exist in the database")
}

func TestRewriteEndpoint(t *testing.T) {
	h, _ := setupAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/policies", map[string]any{
		"policy": "SOURCES orders CONSTRAINT max(orders.total) > 10 ON FAIL REMOVE",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/rewrite", map[string]any{
		"sql": "SELECT id FROM orders",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["applied"])
	assert.Equal(t, "SELECT id FROM orders WHERE orders.total > 10", resp["sql"])
}

func TestQueryEndpointFiltersRows(t *testing.T) {
	h, _ := setupAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/policies", map[string]any{
		"policy": "SOURCES orders CONSTRAINT max(orders.total) > 10 ON FAIL REMOVE",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/v1/query", map[string]any{
		"sql": "SELECT id FROM orders ORDER BY id",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.QueryID)
	assert.True(t, resp.Applied)
	assert.Equal(t, []string{"id"}, resp.Columns)
	assert.Equal(t, 2, resp.RowCount)
}

func TestQueryEndpointBadSQL(t *testing.T) {
	h, _ := setupAPI(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/query", map[string]any{
		"sql": "SELECT FROM WHERE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryEndpointMissingBody(t *testing.T) {
	h, _ := setupAPI(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/query", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
