package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"esc_3f1c9a52-8d1e-4b7a-9a0e-2f4d6c8b1a30", true},
		{"job_1", true},
		{"ORG-7", true},
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"semi;colon", false},
		{"../etc/passwd", false},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		if got := IsValidID(tt.id); got != tt.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1")
	g.Use(IDParamMiddleware())
	g.GET("/escrow/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	g.GET("/wallet", func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/v1/escrow/esc_1":      http.StatusOK,
		"/v1/escrow/esc%3Bdrop": http.StatusBadRequest,
		"/v1/escrow/x%20y":      http.StatusBadRequest,
		"/v1/wallet":            http.StatusOK,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	small := httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":1}`))
	small.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, small)
	if w.Code != http.StatusOK {
		t.Fatalf("small body: got %d", w.Code)
	}

	big := httptest.NewRequest("POST", "/echo", strings.NewReader(`{"note":"`+strings.Repeat("x", 64)+`"}`))
	big.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, big)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: got %d", w.Code)
	}
}
