package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/samber/mo"
	"golang.org/x/time/rate"

	"github.com/macjediwizard/caldavsync/internal/codec"
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
	multigetBatch  = 50
	maxBodySize    = 10 << 20
)

var errSyncUnsupported = errors.New("sync-collection not supported")

// Options configures a remote client for one account.
type Options struct {
	Provider Provider
	BaseURL  string
	Username string
	Password string

	// TokenSource authenticates OAuth2 providers instead of Username/Password.
	TokenSource TokenSource

	// Limiter throttles every request made for the account. Nil means
	// unlimited.
	Limiter *rate.Limiter
	Timeout time.Duration

	// HTTPClient overrides the underlying client. Used by tests.
	HTTPClient *http.Client
}

// exchange records the status of the last HTTP response seen for an operation
// so errors returned by go-webdav can be classified by status code.
type exchange struct {
	status     int
	retryAfter time.Duration
}

type exchangeKey struct{}

// recordingClient rate limits requests and records response statuses into the
// exchange carried by the request context.
type recordingClient struct {
	next    webdav.HTTPClient
	limiter *rate.Limiter
}

func (r *recordingClient) Do(req *http.Request) (*http.Response, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	resp, err := r.next.Do(req)
	if ex, ok := req.Context().Value(exchangeKey{}).(*exchange); ok && resp != nil {
		ex.status = resp.StatusCode
		ex.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return resp, err
}

// Client implements Remote over CalDAV. Provider families embed it and
// override the operations where their servers deviate.
type Client struct {
	baseURL      string
	http         webdav.HTTPClient
	caldavClient *caldav.Client
}

// NewClient creates a CalDAV client authenticated with HTTP Basic auth, or with
// the OAuth2 token source when one is set.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: newTransport(),
		}
	}

	var authed webdav.HTTPClient
	if opts.TokenSource != nil {
		authed = oauthHTTPClient(httpClient, opts.TokenSource)
	} else {
		authed = webdav.HTTPClientWithBasicAuth(httpClient, opts.Username, opts.Password)
	}

	recorder := &recordingClient{next: authed, limiter: opts.Limiter}
	caldavClient, err := caldav.NewClient(recorder, opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		http:         recorder,
		caldavClient: caldavClient,
	}, nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// call runs fn with an exchange recorder attached and classifies its error.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ex := &exchange{}
	if err := fn(context.WithValue(ctx, exchangeKey{}, ex)); err != nil {
		return classify(op, ex.status, ex.retryAfter, err)
	}
	return nil
}

// rawResponse is a fully read HTTP response.
type rawResponse struct {
	Status     int
	Header     http.Header
	Body       []byte
	RetryAfter time.Duration
}

// send performs a raw WebDAV request. Transport failures are classified;
// HTTP status handling is left to the caller.
func (c *Client) send(ctx context.Context, op, method, path string, body string, header http.Header) (*rawResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return nil, newError(KindFatal, op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(op, 0, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classify(op, 0, 0, fmt.Errorf("failed to read response: %w", err))
	}
	return &rawResponse{
		Status:     resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, nil
}

func (r *rawResponse) err(op string) *Error {
	msg := strings.TrimSpace(string(r.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return classify(op, r.Status, r.RetryAfter, fmt.Errorf("unexpected status %d: %s", r.Status, msg))
}

func (r *rawResponse) ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// TestConnection verifies the credentials by resolving the current principal.
func (c *Client) TestConnection(ctx context.Context) error {
	return c.call(ctx, "test connection", func(ctx context.Context) error {
		_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
		return err
	})
}

// DiscoverCollections discovers all calendars for the current user.
func (c *Client) DiscoverCollections(ctx context.Context) ([]Collection, error) {
	var cals []caldav.Calendar
	err := c.call(ctx, "discover", func(ctx context.Context) error {
		principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return fmt.Errorf("failed to find principal: %w", err)
		}
		homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return fmt.Errorf("failed to find home set: %w", err)
		}
		cals, err = c.caldavClient.FindCalendars(ctx, homeSet)
		if err != nil {
			return fmt.Errorf("failed to find calendars: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	collections := make([]Collection, 0, len(cals))
	for _, cal := range cals {
		collections = append(collections, Collection{
			URL:         cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
			Components:  cal.SupportedComponentSet,
		})
	}
	return collections, nil
}

// collectionMetadata issues a Depth 0 PROPFIND for the collection's tokens.
func (c *Client) collectionMetadata(ctx context.Context, collectionURL string) (davResponse, error) {
	body, err := buildPropfindRequest(propCTag, propSyncToken, propETag)
	if err != nil {
		return davResponse{}, newError(KindFatal, "collection token", 0, err)
	}
	resp, err := c.send(ctx, "collection token", "PROPFIND", collectionURL, body, http.Header{
		"Content-Type": {xmlMediaType},
		"Depth":        {"0"},
	})
	if err != nil {
		return davResponse{}, err
	}
	if resp.Status != http.StatusMultiStatus {
		return davResponse{}, resp.err("collection token")
	}
	ms, err := parseMultistatus(resp.Body)
	if err != nil {
		return davResponse{}, classify("collection token", resp.Status, 0, err)
	}
	for _, r := range ms.Responses {
		if r.HasProps {
			return r, nil
		}
	}
	return davResponse{}, nil
}

// CollectionToken returns the collection's CTag, falling back to its sync token
// and then its ETag. An empty token means the server exposes none.
func (c *Client) CollectionToken(ctx context.Context, collectionURL string) (string, error) {
	meta, err := c.collectionMetadata(ctx, collectionURL)
	if err != nil {
		return "", err
	}
	switch {
	case meta.CTag != "":
		return meta.CTag, nil
	case meta.SyncToken != "":
		return meta.SyncToken, nil
	default:
		return meta.ETag, nil
	}
}

// ListChanges lists changed items since sinceToken using WebDAV-Sync, or every
// item with a Depth 1 PROPFIND when there is no token or the server does not
// support sync-collection.
func (c *Client) ListChanges(ctx context.Context, collectionURL, sinceToken string) (*Changes, error) {
	if sinceToken != "" {
		changes, err := c.syncCollection(ctx, collectionURL, sinceToken)
		if err == nil {
			return changes, nil
		}
		if !errors.Is(err, errSyncUnsupported) {
			return nil, err
		}
		log.Printf("WebDAV-Sync not supported for %s, falling back to full listing", collectionURL)
	}
	return c.listAll(ctx, collectionURL)
}

func (c *Client) listAll(ctx context.Context, collectionURL string) (*Changes, error) {
	const op = "list"
	body, err := buildPropfindRequest(propETag, propContentType, propResourceTyp, propSyncToken)
	if err != nil {
		return nil, newError(KindFatal, op, 0, err)
	}
	resp, err := c.send(ctx, op, "PROPFIND", collectionURL, body, http.Header{
		"Content-Type": {xmlMediaType},
		"Depth":        {"1"},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusMultiStatus {
		return nil, resp.err(op)
	}
	ms, err := parseMultistatus(resp.Body)
	if err != nil {
		return nil, classify(op, resp.Status, 0, err)
	}

	collectionPath := c.pathOf(collectionURL)
	changes := &Changes{Full: true, Items: make([]ItemRef, 0, len(ms.Responses))}
	for _, r := range ms.Responses {
		if samePath(r.Href, collectionPath) {
			changes.Token = r.SyncToken
			continue
		}
		if !isCalendarObject(r, collectionPath) {
			continue
		}
		changes.Items = append(changes.Items, ItemRef{Path: r.Href, ETag: r.ETag})
	}
	return changes, nil
}

// syncCollection performs a WebDAV-Sync (RFC 6578) REPORT.
func (c *Client) syncCollection(ctx context.Context, collectionURL, syncToken string) (*Changes, error) {
	const op = "sync-collection"
	body, err := buildSyncCollectionRequest(syncToken)
	if err != nil {
		return nil, newError(KindFatal, op, 0, err)
	}
	resp, err := c.send(ctx, op, "REPORT", collectionURL, body, http.Header{
		"Content-Type": {xmlMediaType},
		"Depth":        {"1"},
	})
	if err != nil {
		return nil, err
	}

	if resp.Status != http.StatusMultiStatus {
		invalidToken := bytes.Contains(resp.Body, []byte("valid-sync-token"))
		switch {
		case resp.Status == http.StatusGone,
			invalidToken && (resp.Status == http.StatusForbidden || resp.Status == http.StatusConflict || resp.Status == http.StatusBadRequest):
			return nil, newError(KindTokenInvalidated, op, resp.Status, ErrSyncTokenInvalid)
		case resp.Status == http.StatusNotImplemented,
			resp.Status == http.StatusForbidden && !bytes.Contains(resp.Body, []byte("need-privileges")),
			resp.Status == http.StatusBadRequest,
			resp.Status == http.StatusMethodNotAllowed:
			return nil, errSyncUnsupported
		default:
			return nil, resp.err(op)
		}
	}

	ms, err := parseMultistatus(resp.Body)
	if err != nil {
		return nil, classify(op, resp.Status, 0, err)
	}

	collectionPath := c.pathOf(collectionURL)
	changes := &Changes{Token: ms.SyncToken}
	for _, r := range ms.Responses {
		if samePath(r.Href, collectionPath) {
			continue
		}
		if r.Status == http.StatusNotFound || r.Status == http.StatusGone {
			changes.Removed = append(changes.Removed, r.Href)
			continue
		}
		if r.HasProps && !r.Collection {
			changes.Items = append(changes.Items, ItemRef{Path: r.Href, ETag: r.ETag})
		}
	}
	return changes, nil
}

// FetchItems retrieves payloads with calendar-multiget in batches. When a batch
// cannot be parsed, its items are fetched one by one so a single corrupted
// object does not hide the rest.
func (c *Client) FetchItems(ctx context.Context, collectionURL string, paths []string, collector *MalformedEventCollector) ([]Item, error) {
	items := make([]Item, 0, len(paths))
	for start := 0; start < len(paths); start += multigetBatch {
		end := min(start+multigetBatch, len(paths))
		batch := paths[start:end]

		fetched, err := c.multiget(ctx, collectionURL, batch, collector)
		if err != nil {
			if KindOf(err) != KindFatal {
				return nil, err
			}
			log.Printf("Calendar multiget failed, fetching %d items individually: %v", len(batch), err)
			fetched, err = c.fetchEach(ctx, batch, collector)
			if err != nil {
				return nil, err
			}
		}
		items = append(items, fetched...)
	}
	return items, nil
}

func (c *Client) multiget(ctx context.Context, collectionURL string, paths []string, collector *MalformedEventCollector) ([]Item, error) {
	var objects []caldav.CalendarObject
	err := c.call(ctx, "multiget", func(ctx context.Context) error {
		var err error
		objects, err = c.caldavClient.MultiGetCalendar(ctx, c.pathOf(collectionURL), &caldav.CalendarMultiGet{
			Paths: paths,
			CompRequest: caldav.CalendarCompRequest{
				Name:     "VCALENDAR",
				AllProps: true,
				AllComps: true,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(objects))
	for _, obj := range objects {
		if obj.Data == nil {
			collector.Add(obj.Path, "empty iCalendar data - event may be corrupted or deleted")
			continue
		}
		data := encodeCalendar(obj.Data)
		if data == "" {
			collector.Add(obj.Path, "calendar data could not be re-encoded")
			continue
		}
		items = append(items, Item{
			Path: normalizeHref(obj.Path),
			ETag: normalizeETag(obj.ETag),
			UID:  calendarUID(obj.Data),
			Data: data,
		})
	}
	return items, nil
}

func (c *Client) fetchEach(ctx context.Context, paths []string, collector *MalformedEventCollector) ([]Item, error) {
	items := make([]Item, 0, len(paths))
	skipped := 0
	for _, path := range paths {
		item, err := c.getItem(ctx, path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if strings.TrimSpace(item.Data) == "" {
			collector.Add(path, "empty iCalendar data - event may be corrupted or deleted")
			skipped++
			continue
		}
		cal, err := ical.NewDecoder(strings.NewReader(item.Data)).Decode()
		if err != nil {
			collector.Add(path, err.Error())
			skipped++
			continue
		}
		item.UID = calendarUID(cal)
		items = append(items, item)
	}
	if skipped > 0 {
		log.Printf("Skipped %d malformed events (corrupted at source)", skipped)
	}
	return items, nil
}

// getItem fetches one raw calendar object.
func (c *Client) getItem(ctx context.Context, path string) (Item, error) {
	const op = "get"
	resp, err := c.send(ctx, op, http.MethodGet, path, "", http.Header{"Accept": {"text/calendar"}})
	if err != nil {
		return Item{}, err
	}
	if !resp.ok() {
		return Item{}, resp.err(op)
	}
	return Item{
		Path: c.pathOf(path),
		ETag: normalizeETag(resp.Header.Get("ETag")),
		Data: string(resp.Body),
	}, nil
}

// WriteItem creates or replaces an item with a conditional PUT. New items are
// written with If-None-Match: * so a concurrent create surfaces as a conflict.
// A precondition failure against a server copy that already has the same
// content is treated as success, which makes retries idempotent.
func (c *Client) WriteItem(ctx context.Context, collectionURL string, item Item, expected mo.Option[string]) (ItemRef, error) {
	const op = "write"
	if strings.TrimSpace(item.Data) == "" {
		return ItemRef{}, newError(KindFatal, op, 0, fmt.Errorf("%w: empty calendar data", codec.ErrMalformedContent))
	}

	collectionPath := c.pathOf(collectionURL)
	path := item.Path
	create := path == ""
	if path == "" || !strings.HasPrefix(path, collectionPath) {
		if item.UID == "" {
			return ItemRef{}, newError(KindFatal, op, 0, fmt.Errorf("%w: item has neither path nor UID", codec.ErrMalformedContent))
		}
		path = strings.TrimSuffix(collectionPath, "/") + "/" + url.PathEscape(item.UID) + ".ics"
	}

	header := http.Header{"Content-Type": {"text/calendar; charset=utf-8"}}
	if etag, ok := expected.Get(); ok {
		header.Set("If-Match", quoteETag(etag))
	} else if create {
		header.Set("If-None-Match", "*")
	}

	resp, err := c.send(ctx, op, http.MethodPut, path, item.Data, header)
	if err != nil {
		return ItemRef{}, err
	}

	switch {
	case resp.ok():
		etag := normalizeETag(resp.Header.Get("ETag"))
		if etag == "" {
			if meta, err := c.itemMetadata(ctx, path); err == nil {
				etag = meta.ETag
			}
		}
		return ItemRef{Path: path, ETag: etag}, nil
	case resp.Status == http.StatusPreconditionFailed:
		if current, err := c.getItem(ctx, path); err == nil && sameContent(current.Data, item.Data) {
			log.Printf("WriteItem: %s already holds the written content", path)
			return ItemRef{Path: path, ETag: current.ETag}, nil
		}
		return ItemRef{}, resp.err(op)
	default:
		return ItemRef{}, resp.err(op)
	}
}

func (c *Client) itemMetadata(ctx context.Context, path string) (davResponse, error) {
	body, err := buildPropfindRequest(propETag)
	if err != nil {
		return davResponse{}, err
	}
	resp, err := c.send(ctx, "item etag", "PROPFIND", path, body, http.Header{
		"Content-Type": {xmlMediaType},
		"Depth":        {"0"},
	})
	if err != nil {
		return davResponse{}, err
	}
	if resp.Status != http.StatusMultiStatus {
		return davResponse{}, resp.err("item etag")
	}
	ms, err := parseMultistatus(resp.Body)
	if err != nil {
		return davResponse{}, err
	}
	for _, r := range ms.Responses {
		if r.HasProps {
			return r, nil
		}
	}
	return davResponse{}, fmt.Errorf("%w: no properties for %s", ErrInvalidResponse, path)
}

// DeleteItem deletes an item, guarded by If-Match when expected is present.
// Items that are already gone count as deleted.
func (c *Client) DeleteItem(ctx context.Context, itemPath string, expected mo.Option[string]) error {
	const op = "delete"
	header := http.Header{}
	if etag, ok := expected.Get(); ok {
		header.Set("If-Match", quoteETag(etag))
	}

	resp, err := c.send(ctx, op, http.MethodDelete, itemPath, "", header)
	if err != nil {
		return err
	}

	switch {
	case resp.ok(), resp.Status == http.StatusNotFound, resp.Status == http.StatusGone:
		return nil
	case resp.Status == http.StatusPreconditionFailed:
		if _, err := c.getItem(ctx, itemPath); errors.Is(err, ErrNotFound) {
			return nil
		}
		return resp.err(op)
	default:
		return resp.err(op)
	}
}

// pathOf returns the path portion of a collection or item reference.
func (c *Client) pathOf(ref string) string {
	if strings.Contains(ref, "://") {
		if u, err := url.Parse(ref); err == nil {
			return u.Path
		}
	}
	return ref
}

// buildURL constructs the full URL for a path.
// If path is absolute (starts with /), extract host from baseURL and combine.
// Otherwise, append path to baseURL.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}
	if strings.Contains(path, "://") {
		return path
	}

	if strings.HasPrefix(path, "/") {
		if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
			u.Path = path
			u.RawPath = ""
			u.RawQuery = ""
			return u.String()
		}
		return c.baseURL + path
	}

	return c.baseURL + "/" + path
}

// encodeCalendar encodes a calendar object to iCalendar string.
func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}

func calendarUID(cal *ical.Calendar) string {
	if cal == nil {
		return ""
	}
	for _, evt := range cal.Events() {
		if uid, err := evt.Props.Text(ical.PropUID); err == nil && uid != "" {
			return uid
		}
	}
	return ""
}

// sameContent reports whether two payloads decode to the same event content.
func sameContent(a, b string) bool {
	ea, err := codec.Decode(a)
	if err != nil {
		return false
	}
	eb, err := codec.Decode(b)
	if err != nil {
		return false
	}
	return codec.Equal(ea, eb)
}
