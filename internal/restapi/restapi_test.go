package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/config"
	"github.com/keboola/storage-backend/internal/core"
)

const testAdminKey = "test-admin-key"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		DataDir:     t.TempDir(),
		AdminAPIKey: testAdminKey,
		JWTSecret:   []byte("test-jwt-secret"),
	}
	c, err := core.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	srv := httptest.NewServer(New(c))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any, key string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateProjectRequiresCredentials(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, srv, http.MethodPost, "/projects/", map[string]string{"name": "acme"}, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndDeleteProjectRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/projects/", map[string]string{"name": "acme", "description": "demo"}, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	projectID, _ := created["ID"].(string)
	require.NotEmpty(t, projectID)

	resp = doJSON(t, srv, http.MethodPost, "/projects/"+projectID+"/buckets", map[string]string{"stage": "in", "name": "main"}, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodDelete, "/projects/"+projectID, nil, testAdminKey)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateTableThenPreviewOverREST(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/projects/", map[string]string{"name": "acme"}, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var proj map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&proj))
	resp.Body.Close()
	projectID := proj["ID"].(string)

	resp = doJSON(t, srv, http.MethodPost, "/projects/"+projectID+"/buckets", map[string]string{"stage": "in", "name": "main"}, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	createBody := map[string]any{
		"columns":     []map[string]any{{"name": "id", "type": "BIGINT"}},
		"primary_key": []string{"id"},
	}
	resp = doJSON(t, srv, http.MethodPut, "/projects/"+projectID+"/buckets/in_c_main/tables/widgets", createBody, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodGet, "/projects/"+projectID+"/buckets/in_c_main/tables/widgets/preview?limit=10", nil, testAdminKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var preview map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	resp.Body.Close()
	assert.Contains(t, preview, "Rows")
}

func TestShareAndLinkOverREST(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/projects/", map[string]string{"name": "src"}, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var src map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&src))
	resp.Body.Close()
	srcID := src["ID"].(string)

	resp = doJSON(t, srv, http.MethodPost, "/projects/", map[string]string{"name": "target"}, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var target map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&target))
	resp.Body.Close()
	targetID := target["ID"].(string)

	resp = doJSON(t, srv, http.MethodPost, "/projects/"+srcID+"/buckets", map[string]string{"stage": "out", "name": "catalog"}, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	linkBody := map[string]string{"bucket": "catalog", "src_project_id": srcID, "src_bucket": "out_c_catalog"}
	resp = doJSON(t, srv, http.MethodPost, "/projects/"+targetID+"/links", linkBody, testAdminKey)
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "link before share must be rejected")
	resp.Body.Close()

	shareBody := map[string]string{"bucket": "out_c_catalog", "target_project": targetID}
	resp = doJSON(t, srv, http.MethodPost, "/projects/"+srcID+"/shares", shareBody, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodPost, "/projects/"+targetID+"/links", linkBody, testAdminKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodDelete, "/projects/"+targetID+"/links/catalog", nil, testAdminKey)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestRPCExecuteRejectsUnverifiableToken(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"credentials": map[string]string{"host": "p1", "secret": "not-a-jwt"},
		"command":     map[string]any{"type": "GetProjectCommand", "payload": map[string]any{}},
	}
	resp := doJSON(t, srv, http.MethodPost, "/rpc/execute", body, "")
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}
