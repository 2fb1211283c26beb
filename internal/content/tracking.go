package content

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	bodyClose   = regexp.MustCompile(`(?i)</body\s*>`)
	hrefPattern = regexp.MustCompile(`(?i)\bhref\s*=\s*(?:"(https?://[^"]*)"|'(https?://[^']*)')`)
)

// Scope identifies what a tracking hit belongs to. BroadcastID and
// ContactID are empty for single sends.
type Scope struct {
	EmailID     string
	BroadcastID string
	ContactID   string
}

// TrackedLink is one rewritten hyperlink.
type TrackedLink struct {
	ID       string
	URL      string
	Position int
}

// Options selects which tracking transforms run.
type Options struct {
	Opens  bool
	Clicks bool
}

// Tracker builds tracking URLs against one public base URL.
type Tracker struct {
	baseURL string
	newID   func() string
}

// NewTracker returns a Tracker for baseURL (scheme and host, no trailing
// slash needed).
func NewTracker(baseURL string) *Tracker {
	return &Tracker{baseURL: strings.TrimRight(baseURL, "/"), newID: uuid.NewString}
}

// BaseURL returns the public tracking base.
func (t *Tracker) BaseURL() string { return t.baseURL }

// Instrument applies the enabled transforms to htmlBody and returns the new
// body plus any links that were rewritten.
func (t *Tracker) Instrument(htmlBody string, scope Scope, opts Options) (string, []TrackedLink) {
	if htmlBody == "" {
		return htmlBody, nil
	}
	var links []TrackedLink
	if opts.Clicks {
		htmlBody, links = t.RewriteLinks(htmlBody, scope)
	}
	if opts.Opens {
		htmlBody = t.InjectPixel(htmlBody, scope)
	}
	return htmlBody, links
}

// OpenURL is the pixel endpoint for scope.
func (t *Tracker) OpenURL(scope Scope) string {
	u := t.baseURL + "/track/open/" + url.PathEscape(scope.EmailID)
	q := url.Values{}
	if scope.BroadcastID != "" {
		q.Set("bid", scope.BroadcastID)
	}
	if scope.ContactID != "" {
		q.Set("cid", scope.ContactID)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// ClickURL is the redirecting endpoint for one link.
func (t *Tracker) ClickURL(linkID, original string, scope Scope) string {
	q := url.Values{}
	q.Set("url", original)
	q.Set("eid", scope.EmailID)
	if scope.ContactID != "" {
		q.Set("cid", scope.ContactID)
	}
	return t.baseURL + "/track/click/" + url.PathEscape(linkID) + "?" + q.Encode()
}

// InjectPixel inserts the open pixel before the last closing body tag, or
// appends it when the document has none. HTML already carrying this
// email's pixel is returned unchanged.
func (t *Tracker) InjectPixel(htmlBody string, scope Scope) string {
	marker := t.baseURL + "/track/open/" + url.PathEscape(scope.EmailID)
	if strings.Contains(htmlBody, marker) {
		return htmlBody
	}
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px;border:0" />`,
		html.EscapeString(t.OpenURL(scope)))

	locs := bodyClose.FindAllStringIndex(htmlBody, -1)
	if len(locs) == 0 {
		return htmlBody + pixel
	}
	at := locs[len(locs)-1][0]
	return htmlBody[:at] + pixel + htmlBody[at:]
}

// RewriteLinks points every http(s) href at the click endpoint. mailto:,
// tel: and other schemes never match. Links that already target the click
// or unsubscribe endpoints are kept.
func (t *Tracker) RewriteLinks(htmlBody string, scope Scope) (string, []TrackedLink) {
	matches := hrefPattern.FindAllStringSubmatchIndex(htmlBody, -1)
	if len(matches) == 0 {
		return htmlBody, nil
	}

	var (
		b     strings.Builder
		links []TrackedLink
		last  int
	)
	for _, m := range matches {
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		raw := htmlBody[start:end]
		if t.isOwnURL(raw) {
			continue
		}
		original := html.UnescapeString(raw)
		id := t.newID()
		links = append(links, TrackedLink{ID: id, URL: original, Position: len(links)})

		b.WriteString(htmlBody[last:start])
		b.WriteString(html.EscapeString(t.ClickURL(id, original, scope)))
		last = end
	}
	if links == nil {
		return htmlBody, nil
	}
	b.WriteString(htmlBody[last:])
	return b.String(), links
}

func (t *Tracker) isOwnURL(u string) bool {
	return strings.HasPrefix(u, t.baseURL+"/track/click/") ||
		strings.HasPrefix(u, t.baseURL+"/unsubscribe/")
}
