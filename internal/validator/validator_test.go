package validator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateURL(t *testing.T) {
	v := New()

	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantErr      error
	}{
		{"https", "https://caldav.example.com/dav/", true, nil},
		{"http allowed", "http://caldav.example.com/", false, nil},
		{"http rejected", "http://caldav.example.com/", true, ErrHTTPSRequired},
		{"empty", "", false, ErrInvalidURL},
		{"no host", "https:///path", false, ErrInvalidURL},
		{"bad scheme", "ftp://example.com/", false, ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateURL(tt.url, tt.requireHTTPS)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateWebhookURL(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"public", "https://hooks.slack.com/services/x", nil},
		{"plain http", "http://hooks.example.com/", ErrHTTPSRequired},
		{"localhost", "https://localhost/hook", ErrInternalHost},
		{"internal suffix", "https://alerts.corp.internal/hook", ErrInternalHost},
		{"loopback ip", "https://127.0.0.1/hook", ErrPrivateIP},
		{"private ip", "https://10.1.2.3/hook", ErrPrivateIP},
		{"private 172", "https://172.20.0.5/hook", ErrPrivateIP},
		{"ipv6 loopback", "https://[::1]/hook", ErrPrivateIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateWebhookURL(tt.url)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateCalDAVEndpoint(t *testing.T) {
	newServer := func(status int, dav string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions {
				t.Errorf("expected OPTIONS, got %s", r.Method)
			}
			if dav != "" {
				w.Header().Set("DAV", dav)
			}
			w.WriteHeader(status)
		}))
	}
	v := New(WithAllowPrivateIPs(), WithAllowHTTP())

	t.Run("calendar server", func(t *testing.T) {
		srv := newServer(http.StatusOK, "1, 2, 3, calendar-access")
		defer srv.Close()
		if err := v.ValidateCalDAVEndpoint(context.Background(), srv.URL); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("auth required", func(t *testing.T) {
		srv := newServer(http.StatusUnauthorized, "1, calendar-access")
		defer srv.Close()
		if err := v.ValidateCalDAVEndpoint(context.Background(), srv.URL); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("plain webdav", func(t *testing.T) {
		srv := newServer(http.StatusOK, "1, 2")
		defer srv.Close()
		if err := v.ValidateCalDAVEndpoint(context.Background(), srv.URL); !errors.Is(err, ErrInvalidCalDAV) {
			t.Fatalf("expected ErrInvalidCalDAV, got %v", err)
		}
	})

	t.Run("not dav", func(t *testing.T) {
		srv := newServer(http.StatusOK, "")
		defer srv.Close()
		if err := v.ValidateCalDAVEndpoint(context.Background(), srv.URL); !errors.Is(err, ErrInvalidCalDAV) {
			t.Fatalf("expected ErrInvalidCalDAV, got %v", err)
		}
	})

	t.Run("private address refused", func(t *testing.T) {
		srv := newServer(http.StatusOK, "1, calendar-access")
		defer srv.Close()
		strict := New(WithAllowHTTP())
		if err := strict.ValidateCalDAVEndpoint(context.Background(), srv.URL); !errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("expected ErrConnectionFailed, got %v", err)
		}
	})

	t.Run("https required", func(t *testing.T) {
		if err := New().ValidateCalDAVEndpoint(context.Background(), "http://caldav.example.com/"); !errors.Is(err, ErrHTTPSRequired) {
			t.Fatalf("expected ErrHTTPSRequired, got %v", err)
		}
	})
}
