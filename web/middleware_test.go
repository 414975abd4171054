package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}

	if rl.rate != rate.Limit(10) {
		t.Errorf("Expected rate 10, got %v", rl.rate)
	}

	if rl.burst != 20 {
		t.Errorf("Expected burst 20, got %d", rl.burst)
	}

	if rl.limiters == nil {
		t.Error("Limiters map should be initialized")
	}
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	// First call should create a new limiter
	limiter1 := rl.getLimiter("192.168.1.1")
	if limiter1 == nil {
		t.Fatal("getLimiter returned nil")
	}

	// Second call with same IP should return the same limiter
	limiter2 := rl.getLimiter("192.168.1.1")
	if limiter1 != limiter2 {
		t.Error("getLimiter should return the same limiter for the same IP")
	}

	// Different IP should get a different limiter
	limiter3 := rl.getLimiter("192.168.1.2")
	if limiter1 == limiter3 {
		t.Error("getLimiter should return different limiters for different IPs")
	}
}

func TestRateLimitMiddlewareOverBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(rate.Limit(1), 2)
	g := gin.New()
	g.Use(RateLimitMiddleware(rl))
	g.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	var lastStatus int
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		g.ServeHTTP(w, req)
		lastStatus = w.Code
	}

	if lastStatus != http.StatusTooManyRequests {
		t.Errorf("Expected 429 past the burst, got %d", lastStatus)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	g := gin.New()
	g.Use(MaxBytesMiddleware(16))
	g.POST("/", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	// Small body passes
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/", strings.NewReader("small"))
	g.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for small body, got %d", w.Code)
	}

	// Oversized body is rejected
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	g.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized body, got %d", w.Code)
	}
}

func TestTokenAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		token          string
		header         string
		expectedStatus int
	}{
		{
			name:           "valid token",
			token:          "secret",
			header:         "Bearer secret",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "wrong token",
			token:          "secret",
			header:         "Bearer wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing header",
			token:          "secret",
			header:         "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "disabled when unconfigured",
			token:          "",
			header:         "Bearer anything",
			expectedStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := gin.New()
			g.Use(TokenAuthMiddleware(tt.token))
			g.POST("/", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			g.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}
