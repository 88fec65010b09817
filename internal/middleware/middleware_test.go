package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/auth"
)

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequireAgent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	router := gin.New()
	router.Use(NewAuthMiddleware(jwtManager).RequireAgent())
	router.GET("/protected", func(c *gin.Context) {
		org, _ := OrganizationID(c)
		user, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"org": org, "user": user})
	})

	t.Run("blocks unauthenticated requests", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/protected", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Missing authorization token")
	})

	t.Run("accepts bearer token", func(t *testing.T) {
		token, err := jwtManager.GenerateToken(7, 3, "agent@org.com")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := serve(router, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"org":3,"user":7}`, w.Body.String())
	})

	t.Run("accepts query token for websockets", func(t *testing.T) {
		token, err := jwtManager.GenerateToken(7, 3, "agent@org.com")
		require.NoError(t, err)
		w := serve(router, httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		w := serve(router, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired token")
	})

	t.Run("fails closed without a manager", func(t *testing.T) {
		r := gin.New()
		r.Use(NewAuthMiddleware(nil).RequireAgent())
		r.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer x")
		assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
	})
}

func TestRequestIDAndLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	router := gin.New()
	router.Use(RequestID(), Logger(logger))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := serve(router, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"status":204`)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestWebhookSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/hook", WebhookSecret("s3cret"), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/hook", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(router, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/hook", nil)
	req.Header.Set(WebhookSecretHeader, "s3cret")
	assert.Equal(t, http.StatusOK, serve(router, req).Code)

	open := gin.New()
	open.POST("/hook", WebhookSecret(""), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusOK, serve(open, httptest.NewRequest(http.MethodPost, "/hook", nil)).Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/hook", RateLimit(0.001, 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodPost, "/hook", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodPost, "/hook", nil)).Code)
	w := serve(router, httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
