package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

type validatorStub map[string]*models.JWTClaims

func (v validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := v[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

func newProtectedRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append(mw, func(c *gin.Context) {
		claims, _ := c.Get(ContextUserKey)
		if claims == nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, claims.(*models.JWTClaims).UserID)
	})
	r.GET("/protected", handlers...)
	return r
}

func serve(r http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	tokens := validatorStub{
		"student": {UserID: "stu-x", Role: models.RoleStudent},
		"admin":   {UserID: "registrar", Role: models.RoleAdmin},
	}

	r := newProtectedRouter(JWT(tokens))
	assert.Equal(t, http.StatusUnauthorized, serve(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "Bearer nope").Code)

	ok := serve(r, "Bearer student")
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "stu-x", ok.Body.String())

	optional := newProtectedRouter(OptionalJWT(tokens))
	assert.Equal(t, "anonymous", serve(optional, "Bearer nope").Body.String())
	assert.Equal(t, "registrar", serve(optional, "bearer admin").Body.String())
}

func TestRequireAdmin(t *testing.T) {
	tokens := validatorStub{
		"student": {UserID: "stu-x", Role: models.RoleStudent},
		"admin":   {UserID: "registrar", Role: models.RoleAdmin},
	}
	r := newProtectedRouter(JWT(tokens), RequireAdmin())

	assert.Equal(t, http.StatusForbidden, serve(r, "Bearer student").Code)
	assert.Equal(t, http.StatusOK, serve(r, "Bearer admin").Code)

	bare := newProtectedRouter(RequireAdmin())
	assert.Equal(t, http.StatusUnauthorized, serve(bare, "").Code)
}

type observedRequest struct {
	method, path string
	status       int
}

type observerStub struct {
	mu       sync.Mutex
	requests []observedRequest
}

func (o *observerStub) ObserveHTTPRequest(method, path string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, observedRequest{method, path, status})
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observer := &observerStub{}
	r := gin.New()
	r.Use(Metrics(observer))
	r.GET("/jobs/:jobId", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/jobs/1", "/jobs/2", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, []observedRequest{
		{http.MethodGet, "/jobs/:jobId", http.StatusOK},
		{http.MethodGet, "/jobs/:jobId", http.StatusOK},
		{http.MethodGet, unmatchedRoute, http.StatusNotFound},
	}, observer.requests)
}
