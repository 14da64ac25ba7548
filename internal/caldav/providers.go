package caldav

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

// TokenSource supplies OAuth2 access tokens for providers that need them.
type TokenSource = oauth2.TokenSource

// Provider identifies a remote provider family.
type Provider string

const (
	ProviderICloud    Provider = "icloud"
	ProviderGoogle    Provider = "google"
	ProviderFastmail  Provider = "fastmail"
	ProviderNextcloud Provider = "nextcloud"
	ProviderCalDAV    Provider = "caldav"
)

// ProviderPreset contains preset configuration for known calendar providers.
type ProviderPreset struct {
	Name        string
	Provider    Provider
	BaseURL     string
	Description string
}

// ProviderPresets maps provider families to their preset configurations.
var ProviderPresets = map[Provider]ProviderPreset{
	ProviderICloud: {
		Name:        "iCloud",
		Provider:    ProviderICloud,
		BaseURL:     "https://caldav.icloud.com/",
		Description: "Apple iCloud Calendar (app-specific password)",
	},
	ProviderGoogle: {
		Name:        "Google Calendar",
		Provider:    ProviderGoogle,
		BaseURL:     "https://apidata.googleusercontent.com/caldav/v2/",
		Description: "Google Calendar (requires OAuth)",
	},
	ProviderFastmail: {
		Name:        "Fastmail",
		Provider:    ProviderFastmail,
		BaseURL:     "https://caldav.fastmail.com/dav/",
		Description: "Fastmail Calendar",
	},
	ProviderNextcloud: {
		Name:        "Nextcloud",
		Provider:    ProviderNextcloud,
		Description: "Nextcloud Calendar (self-hosted)",
	},
	ProviderCalDAV: {
		Name:        "CalDAV",
		Provider:    ProviderCalDAV,
		Description: "Generic CalDAV server",
	},
}

// IsValid reports whether p is a known provider family.
func (p Provider) IsValid() bool {
	_, ok := ProviderPresets[p]
	return ok
}

// BaseURLFor returns the preset base URL for p, or custom when set.
func BaseURLFor(p Provider, custom string) string {
	if custom != "" {
		return custom
	}
	return ProviderPresets[p].BaseURL
}

// New returns the Remote implementation for the provider family in opts.
func New(opts Options) (Remote, error) {
	if opts.Provider == "" {
		opts.Provider = ProviderCalDAV
	}
	if !opts.Provider.IsValid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrConnectionFailed, opts.Provider)
	}
	opts.BaseURL = BaseURLFor(opts.Provider, opts.BaseURL)

	switch opts.Provider {
	case ProviderICloud:
		return NewICloudClient(opts)
	case ProviderGoogle:
		return NewGoogleClient(opts)
	default:
		return NewGenericClient(opts)
	}
}

// GenericClient talks to standards-following servers (Fastmail, Nextcloud,
// Radicale, Baikal and friends).
type GenericClient struct {
	*Client
}

// NewGenericClient creates a client for a standards-following server.
func NewGenericClient(opts Options) (*GenericClient, error) {
	c, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &GenericClient{Client: c}, nil
}

// ICloudClient handles iCloud, which mixes reminder lists into the calendar
// home set and requires app-specific passwords.
type ICloudClient struct {
	*Client
}

// NewICloudClient creates an iCloud client.
func NewICloudClient(opts Options) (*ICloudClient, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("%w: iCloud requires an Apple ID and app-specific password", ErrAuthFailed)
	}
	c, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &ICloudClient{Client: c}, nil
}

// DiscoverCollections returns only collections that can hold events.
func (c *ICloudClient) DiscoverCollections(ctx context.Context) ([]Collection, error) {
	all, err := c.Client.DiscoverCollections(ctx)
	if err != nil {
		return nil, err
	}
	return eventCollections(all), nil
}

// GoogleClient handles Google Calendar's CalDAV endpoint, which authenticates
// with OAuth2 and has no usable CTag.
type GoogleClient struct {
	*Client
	calendarID string
}

// NewGoogleClient creates a Google client. opts.Username is the calendar id,
// normally the account's email address.
func NewGoogleClient(opts Options) (*GoogleClient, error) {
	if opts.TokenSource == nil {
		return nil, fmt.Errorf("%w: Google requires an OAuth2 token source", ErrAuthFailed)
	}
	c, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &GoogleClient{Client: c, calendarID: opts.Username}, nil
}

// DiscoverCollections tries principal discovery and falls back to the
// account's primary calendar, which always exists.
func (c *GoogleClient) DiscoverCollections(ctx context.Context) ([]Collection, error) {
	all, err := c.Client.DiscoverCollections(ctx)
	if err == nil && len(all) > 0 {
		return eventCollections(all), nil
	}
	if err != nil && KindOf(err) != KindFatal {
		return nil, err
	}
	if c.calendarID == "" {
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	log.Printf("Google principal discovery returned nothing, using primary calendar for %s", c.calendarID)
	return []Collection{{
		URL:        c.pathOf(c.baseURL) + "/" + url.PathEscape(c.calendarID) + "/events/",
		Name:       c.calendarID,
		Components: []string{"VEVENT"},
	}}, nil
}

// CollectionToken prefers the sync token, which Google keeps current.
func (c *GoogleClient) CollectionToken(ctx context.Context, collectionURL string) (string, error) {
	meta, err := c.collectionMetadata(ctx, collectionURL)
	if err != nil {
		return "", err
	}
	if meta.SyncToken != "" {
		return meta.SyncToken, nil
	}
	if meta.CTag != "" {
		return meta.CTag, nil
	}
	return meta.ETag, nil
}

func eventCollections(all []Collection) []Collection {
	out := make([]Collection, 0, len(all))
	for _, col := range all {
		if len(col.Components) > 0 && !slices.ContainsFunc(col.Components, func(s string) bool {
			return strings.EqualFold(s, "VEVENT")
		}) {
			continue
		}
		out = append(out, col)
	}
	return out
}

func oauthHTTPClient(base *http.Client, ts TokenSource) *http.Client {
	return &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   base.Transport,
		},
	}
}
