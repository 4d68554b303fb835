package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commonauth "skilltrade_server/server/common/auth"
	commonlog "skilltrade_server/server/common/log"
	"skilltrade_server/server/common/transport/httpresp"
	"skilltrade_server/server/matchman/domain"
	matchservice "skilltrade_server/server/matchman/service"
)

func TestMain(m *testing.M) {
	commonlog.Use(zap.NewNop())
	os.Exit(m.Run())
}

type testAPI struct {
	router *gin.Engine
	auth   *commonauth.Service
	dir    string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	store, err := matchservice.OpenStore(dir)
	require.NoError(t, err)
	svc := matchservice.NewMatchingService(store, matchservice.NewHashEmbedder(16), matchservice.Options{})
	auth := commonauth.NewService("test-secret", 5)
	r := gin.New()
	NewHandler(svc, auth).RegisterRoutes(r)
	return &testAPI{router: r, auth: auth, dir: dir}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestAddAndSearchOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/matching/entries", map[string]any{
		"entityId": "ana", "skills": []string{"guitar"}, "description": "ten years",
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/v1/matching/entries", map[string]any{
		"entityId": "ben", "skills": []string{"cooking"},
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/matching/search", map[string]any{"queryText": "guitar, ten years"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)

	w = api.do(t, http.MethodPost, "/api/v1/matching/search", map[string]any{"queryText": "guitar ten years", "topK": 1}, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ana", resp.Results[0].EntityID)
	assert.Zero(t, resp.Results[0].Distance)
}

func TestValidationErrorsMapTo400(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/matching/entries", map[string]any{"entityId": "ana", "skills": []string{}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body httpresp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(matchservice.KindValidation), body.Code)

	w = api.do(t, http.MethodPost, "/api/v1/matching/search", map[string]any{"queryText": ""}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCorruptStoreDegradesHealthAndAdminRepairs(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/matching/entries", map[string]any{
		"entityId": "ana", "skills": []string{"guitar"},
	}, "").Code)
	require.NoError(t, os.Remove(filepath.Join(api.dir, matchservice.MetadataFileName)))

	admin, err := api.auth.GenerateToken("root", commonauth.RoleAdmin)
	require.NoError(t, err)
	user, err := api.auth.GenerateToken("ana", "user")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodPost, "/api/v1/matching/admin/reload", nil, "").Code)
	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodPost, "/api/v1/matching/admin/reload", nil, user).Code)

	w := api.do(t, http.MethodPost, "/api/v1/matching/admin/reload", nil, admin)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body httpresp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(matchservice.KindStoreCorruption), body.Code)

	w = api.do(t, http.MethodGet, "/health", nil, "")
	assert.JSONEq(t, `{"status":"degraded","store":"corrupted"}`, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/v1/matching/search", map[string]any{"queryText": "guitar"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = api.do(t, http.MethodPost, "/api/v1/matching/entries", map[string]any{"entityId": "ben", "skills": []string{"go"}}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/matching/admin/rebuild", nil, admin)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/matching/admin/restore", nil, admin)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsReportsCountAndDimensions(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/matching/entries", map[string]any{
		"entityId": "ana", "skills": []string{"guitar"},
	}, "").Code)

	w := api.do(t, http.MethodGet, "/api/v1/matching/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, domain.StoreReady, stats.Status)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 16, stats.Dimensions)
}
