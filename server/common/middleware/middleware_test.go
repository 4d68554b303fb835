package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commonauth "skilltrade_server/server/common/auth"
	commonlog "skilltrade_server/server/common/log"
)

func TestMain(m *testing.M) {
	commonlog.Use(zap.NewNop())
	os.Exit(m.Run())
}

func newTestEngine(auth *commonauth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger("test"))
	admin := r.Group("/admin")
	admin.Use(AuthRequired(auth), RequireRoles(commonauth.RoleAdmin))
	admin.GET("/ping", func(c *gin.Context) {
		userID, _ := UserIDFromContext(c)
		c.String(http.StatusOK, userID)
	})
	r.GET("/token", func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		c.String(http.StatusOK, token)
	})
	return r
}

func TestAuthRequiredAndRoles(t *testing.T) {
	auth := commonauth.NewService("secret", 5)
	r := newTestEngine(auth)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/ping", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	userToken, err := auth.GenerateToken("bob", "user")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	adminToken, err := auth.GenerateToken("root", commonauth.RoleAdmin)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "root", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestBearerTokenFallsBackToQuery(t *testing.T) {
	r := newTestEngine(commonauth.NewService("secret", 5))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/token?token=abc", nil))
	assert.Equal(t, "abc", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newTestEngine(commonauth.NewService("secret", 5))
	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(HeaderRequestID))
}
