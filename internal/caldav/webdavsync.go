package caldav

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const (
	nsDAV        = "DAV:"
	nsCalDAV     = "urn:ietf:params:xml:ns:caldav"
	nsCalServer  = "http://calendarserver.org/ns/"
	xmlProcInst  = `version="1.0" encoding="utf-8"`
	xmlMediaType = "application/xml; charset=utf-8"
)

// Property names used in PROPFIND and REPORT bodies.
const (
	propETag        = "D:getetag"
	propContentType = "D:getcontenttype"
	propResourceTyp = "D:resourcetype"
	propSyncToken   = "D:sync-token"
	propCTag        = "CS:getctag"
)

// davResponse is one <response> element of a multistatus body.
type davResponse struct {
	Href        string
	Status      int
	ETag        string
	CTag        string
	SyncToken   string
	ContentType string
	Collection  bool
	HasProps    bool
}

// multistatus is a parsed 207 body.
type multistatus struct {
	Responses []davResponse
	SyncToken string
}

func newDAVDocument(root string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", xmlProcInst)
	el := doc.CreateElement(root)
	el.CreateAttr("xmlns:D", nsDAV)
	el.CreateAttr("xmlns:C", nsCalDAV)
	el.CreateAttr("xmlns:CS", nsCalServer)
	return doc, el
}

// buildPropfindRequest renders a PROPFIND body asking for the given properties.
func buildPropfindRequest(props ...string) (string, error) {
	doc, root := newDAVDocument("D:propfind")
	prop := root.CreateElement("D:prop")
	for _, p := range props {
		prop.CreateElement(p)
	}
	doc.Indent(2)
	return doc.WriteToString()
}

// buildSyncCollectionRequest renders an RFC 6578 sync-collection REPORT body.
// Only ETags are requested; payloads are fetched separately.
func buildSyncCollectionRequest(syncToken string) (string, error) {
	doc, root := newDAVDocument("D:sync-collection")
	token := root.CreateElement("D:sync-token")
	if syncToken != "" {
		token.SetText(syncToken)
	}
	root.CreateElement("D:sync-level").SetText("1")
	root.CreateElement("D:prop").CreateElement(propETag)
	doc.Indent(2)
	return doc.WriteToString()
}

// parseMultistatus reads a DAV multistatus body. Element matching ignores
// namespace prefixes since servers pick their own.
func parseMultistatus(body []byte) (*multistatus, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, fmt.Errorf("%w: missing multistatus element", ErrInvalidResponse)
	}

	ms := &multistatus{}
	if tok := root.SelectElement("sync-token"); tok != nil {
		ms.SyncToken = strings.TrimSpace(tok.Text())
	}

	for _, el := range root.SelectElements("response") {
		href := el.SelectElement("href")
		if href == nil {
			continue
		}
		r := davResponse{Href: normalizeHref(href.Text())}
		if st := el.SelectElement("status"); st != nil {
			r.Status = statusCode(st.Text())
		}
		for _, ps := range el.SelectElements("propstat") {
			st := ps.SelectElement("status")
			if st == nil || statusCode(st.Text()) != 200 {
				continue
			}
			prop := ps.SelectElement("prop")
			if prop == nil {
				continue
			}
			r.HasProps = true
			for _, p := range prop.ChildElements() {
				switch p.Tag {
				case "getetag":
					r.ETag = normalizeETag(p.Text())
				case "getctag":
					r.CTag = strings.TrimSpace(p.Text())
				case "sync-token":
					r.SyncToken = strings.TrimSpace(p.Text())
				case "getcontenttype":
					r.ContentType = strings.TrimSpace(p.Text())
				case "resourcetype":
					for _, rt := range p.ChildElements() {
						if rt.Tag == "collection" || rt.Tag == "calendar" {
							r.Collection = true
						}
					}
				}
			}
		}
		ms.Responses = append(ms.Responses, r)
	}
	return ms, nil
}

// statusCode extracts the numeric code from a "HTTP/1.1 404 Not Found" line.
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// normalizeHref turns an href into a decoded absolute path.
func normalizeHref(href string) string {
	href = strings.TrimSpace(href)
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		return u.Path
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		return decoded
	}
	return href
}

// normalizeETag strips weak markers and quotes so ETags compare as plain strings.
func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// samePath compares collection paths ignoring a trailing slash.
func samePath(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// isCalendarObject reports whether a listing entry is an event resource rather
// than the collection itself or a nested collection.
func isCalendarObject(r davResponse, collectionPath string) bool {
	if r.Collection || samePath(r.Href, collectionPath) {
		return false
	}
	return strings.HasSuffix(r.Href, ".ics") || strings.Contains(r.ContentType, "calendar")
}
