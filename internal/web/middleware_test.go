package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		headers := w.Header()
		if headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected X-Content-Type-Options header")
		}
		if headers.Get("X-Frame-Options") != "DENY" {
			t.Error("expected X-Frame-Options header")
		}
		if headers.Get("Cache-Control") != "no-store" {
			t.Error("expected Cache-Control header")
		}
		if headers.Get("Content-Security-Policy") == "" {
			t.Error("expected Content-Security-Policy header")
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("X-Forwarded-Proto", "https")

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})

	t.Run("does not set HSTS for HTTP", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("should not set HSTS header for HTTP requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := RateLimiter(10, 10)

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			limiter(c)

			if c.IsAborted() {
				t.Errorf("request %d should not be aborted", i)
			}
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := RateLimiter(1, 1)

		w1 := httptest.NewRecorder()
		c1, _ := gin.CreateTestContext(w1)
		c1.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		limiter(c1)

		if c1.IsAborted() {
			t.Error("first request should not be aborted")
		}

		w2 := httptest.NewRecorder()
		c2, _ := gin.CreateTestContext(w2)
		c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		limiter(c2)

		if !c2.IsAborted() {
			t.Error("second request should be rate limited")
		}
		if w2.Code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", w2.Code)
		}
	})
}

func TestRequireBearerToken(t *testing.T) {
	const token = "0123456789abcdef0123456789abcdef"

	testCases := []struct {
		name    string
		header  string
		allowed bool
	}{
		{name: "valid token", header: "Bearer " + token, allowed: true},
		{name: "scheme is case insensitive", header: "bearer " + token, allowed: true},
		{name: "missing header", header: "", allowed: false},
		{name: "wrong token", header: "Bearer nope", allowed: false},
		{name: "basic scheme", header: "Basic " + token, allowed: false},
		{name: "no scheme", header: token, allowed: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/api/activity", nil)
			if tc.header != "" {
				c.Request.Header.Set("Authorization", tc.header)
			}

			RequireBearerToken(token)(c)

			if c.IsAborted() == tc.allowed {
				t.Errorf("expected allowed=%v, aborted=%v", tc.allowed, c.IsAborted())
			}
			if !tc.allowed {
				if w.Code != http.StatusUnauthorized {
					t.Errorf("expected status 401, got %d", w.Code)
				}
				if w.Header().Get("WWW-Authenticate") == "" {
					t.Error("expected WWW-Authenticate header")
				}
			}
		})
	}

	t.Run("empty configured token rejects everything", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("Authorization", "Bearer ")

		RequireBearerToken("")(c)

		if !c.IsAborted() {
			t.Error("expected request to be rejected")
		}
	})
}

func TestRequireJSONContentType(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		contentType string
		allowed     bool
	}{
		{name: "GET without content-type", method: http.MethodGet, allowed: true},
		{name: "POST with JSON", method: http.MethodPost, contentType: "application/json", allowed: true},
		{name: "POST with JSON charset", method: http.MethodPost, contentType: "application/json; charset=utf-8", allowed: true},
		{name: "POST with empty content-type", method: http.MethodPost, allowed: true},
		{name: "POST with form", method: http.MethodPost, contentType: "application/x-www-form-urlencoded", allowed: false},
		{name: "PUT with text", method: http.MethodPut, contentType: "text/plain", allowed: false},
		{name: "PATCH with xml", method: http.MethodPatch, contentType: "application/xml", allowed: false},
		{name: "DELETE with text", method: http.MethodDelete, contentType: "text/plain", allowed: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tc.method, "/", nil)
			if tc.contentType != "" {
				c.Request.Header.Set("Content-Type", tc.contentType)
			}

			RequireJSONContentType()(c)

			if c.IsAborted() == tc.allowed {
				t.Errorf("expected allowed=%v, aborted=%v", tc.allowed, c.IsAborted())
			}
			if !tc.allowed && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected status 415, got %d", w.Code)
			}
		})
	}
}
