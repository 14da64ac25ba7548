// Package validator checks URLs supplied by users before the service calls
// them: CalDAV base and collection URLs and alert webhooks.
package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrInternalHost     = errors.New("internal hosts are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidCalDAV    = errors.New("invalid CalDAV endpoint")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
)

// Validator validates URLs and probes CalDAV endpoints.
type Validator struct {
	client          *http.Client
	allowPrivateIPs bool
	allowHTTP       bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows private and loopback addresses, for self-hosted
// servers on the same network.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithAllowHTTP accepts plain HTTP CalDAV endpoints. Webhooks always require
// HTTPS.
func WithAllowHTTP() Option {
	return func(v *Validator) {
		v.allowHTTP = true
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	v.client = v.createHTTPClient()
	return v
}

func (v *Validator) createHTTPClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext:         v.dialWithIPCheck,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

// dialWithIPCheck refuses to connect to private addresses, including ones a
// public hostname resolves to.
func (v *Validator) dialWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	if !v.allowPrivateIPs {
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS resolution failed: %w", err)
		}
		for _, ip := range ips {
			if isPrivateIP(ip.IP) {
				return nil, ErrPrivateIP
			}
		}
	}
	dialer := &net.Dialer{Timeout: defaultTimeout, KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, network, addr)
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}
	return nil
}

// ValidateWebhookURL checks that an alert webhook is HTTPS and does not point
// at this host or an internal network.
func (v *Validator) ValidateWebhookURL(rawURL string) error {
	if err := v.ValidateURL(rawURL, true); err != nil {
		return err
	}
	parsed, _ := url.Parse(rawURL)
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: %s", ErrInternalHost, host)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return ErrPrivateIP
	}
	return nil
}

// ValidateCalDAVEndpoint validates a CalDAV endpoint by checking its OPTIONS
// response for a DAV header advertising calendar-access.
func (v *Validator) ValidateCalDAVEndpoint(ctx context.Context, endpointURL string) error {
	if err := v.ValidateURL(endpointURL, !v.allowHTTP); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, endpointURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidCalDAV, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	// Servers that require auth for OPTIONS still identify as DAV.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("%w: OPTIONS returned status %d", ErrInvalidCalDAV, resp.StatusCode)
	}
	dav := resp.Header.Get("DAV")
	if dav == "" {
		return fmt.Errorf("%w: missing DAV header", ErrInvalidCalDAV)
	}
	if !strings.Contains(dav, "calendar-access") {
		return fmt.Errorf("%w: server does not advertise calendar-access", ErrInvalidCalDAV)
	}
	return nil
}
