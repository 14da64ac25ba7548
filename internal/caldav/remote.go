package caldav

import (
	"context"

	"github.com/samber/mo"
)

// Collection is a remote calendar collection.
type Collection struct {
	URL         string   `json:"url"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Components  []string `json:"components,omitempty"`
}

// ItemRef identifies one remote calendar object and its change token.
type ItemRef struct {
	Path string `json:"path"`
	ETag string `json:"etag"`
}

// Item is a remote calendar object with its iCalendar payload.
type Item struct {
	Path string `json:"path"`
	ETag string `json:"etag"`
	UID  string `json:"uid,omitempty"`
	Data string `json:"data"`
}

// Changes is the result of a ListChanges call.
type Changes struct {
	// Items are the objects reported as present: every object for a full
	// listing, only changed objects for an incremental listing.
	Items []ItemRef
	// Removed holds paths reported deleted by an incremental listing.
	Removed []string
	// Token is the collection sync token to resume from.
	Token string
	// Full is true when Items is the complete content of the collection.
	Full bool
}

// Remote is the contract every provider family implements. All operations are
// idempotent from the caller's perspective and return *Error on failure.
type Remote interface {
	// DiscoverCollections lists the calendar collections of the account.
	DiscoverCollections(ctx context.Context) ([]Collection, error)
	// CollectionToken fetches the collection's current change token with a
	// single lightweight metadata request.
	CollectionToken(ctx context.Context, collectionURL string) (string, error)
	// ListChanges lists items changed since sinceToken, or every item when
	// sinceToken is empty. An expired token fails with KindTokenInvalidated.
	ListChanges(ctx context.Context, collectionURL, sinceToken string) (*Changes, error)
	// FetchItems retrieves payloads for the given item paths. Items that cannot
	// be read are reported to collector and omitted.
	FetchItems(ctx context.Context, collectionURL string, paths []string, collector *MalformedEventCollector) ([]Item, error)
	// WriteItem creates or replaces an item. When expected is present the write
	// only succeeds if the server's ETag still matches it.
	WriteItem(ctx context.Context, collectionURL string, item Item, expected mo.Option[string]) (ItemRef, error)
	// DeleteItem removes an item, guarded by expected when present. Deleting an
	// item that is already gone succeeds.
	DeleteItem(ctx context.Context, itemPath string, expected mo.Option[string]) error
}

// MalformedEventInfo contains information about a corrupted calendar event.
type MalformedEventInfo struct {
	Path         string
	ErrorMessage string
}

// MalformedEventCollector collects malformed events during sync operations.
type MalformedEventCollector struct {
	events []MalformedEventInfo
}

// NewMalformedEventCollector creates a new collector.
func NewMalformedEventCollector() *MalformedEventCollector {
	return &MalformedEventCollector{
		events: make([]MalformedEventInfo, 0),
	}
}

// Add records a malformed event.
func (c *MalformedEventCollector) Add(path, errorMessage string) {
	if c == nil {
		return
	}
	c.events = append(c.events, MalformedEventInfo{
		Path:         path,
		ErrorMessage: errorMessage,
	})
}

// GetEvents returns all collected malformed events.
func (c *MalformedEventCollector) GetEvents() []MalformedEventInfo {
	if c == nil {
		return nil
	}
	return c.events
}

// Count returns the number of collected malformed events.
func (c *MalformedEventCollector) Count() int {
	if c == nil {
		return 0
	}
	return len(c.events)
}
