package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *Tokens) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(t))
	r.GET("/open", func(c *gin.Context) {
		c.JSON(200, gin.H{"user": UserID(c)})
	})
	r.GET("/private", RequireAuth(), func(c *gin.Context) {
		c.JSON(200, gin.H{"user": UserID(c)})
	})
	r.POST("/internal", RequireAdmin("s3cret"), func(c *gin.Context) {
		c.Status(204)
	})
	return r
}

func TestMiddleware_ValidToken_SetsUser(t *testing.T) {
	tokens := NewTokens("test-secret")
	raw, _ := tokens.Issue("usr_client", time.Hour)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	newRouter(tokens).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if want := `{"user":"usr_client"}`; w.Body.String() != want {
		t.Errorf("Expected %s, got %s", want, w.Body.String())
	}
}

func TestMiddleware_NoToken_PassesThrough(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(NewTokens("test-secret")).ServeHTTP(w, httptest.NewRequest("GET", "/open", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
}

func TestMiddleware_BadToken_Rejected(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/open", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	newRouter(NewTokens("test-secret")).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_NoToken(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(NewTokens("test-secret")).ServeHTTP(w, httptest.NewRequest("GET", "/private", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	r := newRouter(NewTokens("test-secret"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/internal", nil)
	req.Header.Set(AdminSecretHeader, "wrong")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 with wrong secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/internal", nil)
	req.Header.Set(AdminSecretHeader, "s3cret")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 with correct secret, got %d", w.Code)
	}
}

func TestRequireAdmin_EmptySecretDisables(t *testing.T) {
	r := gin.New()
	r.POST("/internal", RequireAdmin(""), func(c *gin.Context) { c.Status(204) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/internal", nil)
	req.Header.Set(AdminSecretHeader, "")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", w.Code)
	}
}
