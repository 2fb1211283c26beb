package content

import (
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	tr := NewTracker("https://t.unosend.test/")
	n := 0
	tr.newID = func() string {
		n++
		return fmt.Sprintf("link-%d", n)
	}
	return tr
}

var scope = Scope{EmailID: "email-1", BroadcastID: "b-1", ContactID: "c-1"}

func TestInjectPixelBeforeBody(t *testing.T) {
	tr := newTestTracker()
	out := tr.InjectPixel("<html><body><p>Hi</p></BODY></html>", Scope{EmailID: "email-1"})

	assert.Equal(t,
		`<html><body><p>Hi</p><img src="https://t.unosend.test/track/open/email-1" width="1" height="1" alt="" style="display:none;width:1px;height:1px;border:0" /></BODY></html>`,
		out)
}

func TestInjectPixelAppendsWithoutBody(t *testing.T) {
	tr := newTestTracker()
	out := tr.InjectPixel("<p>Hi</p>", Scope{EmailID: "e"})
	assert.True(t, strings.HasPrefix(out, "<p>Hi</p><img "))
}

func TestInjectPixelScopedToBroadcast(t *testing.T) {
	tr := newTestTracker()
	out := tr.InjectPixel("<body></body>", scope)
	assert.Contains(t, out, `src="https://t.unosend.test/track/open/email-1?bid=b-1&amp;cid=c-1"`)
}

func TestPixelNeverDuplicated(t *testing.T) {
	tr := newTestTracker()
	once := tr.InjectPixel("<body><p>x</p></body>", scope)
	twice := tr.InjectPixel(once, scope)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(twice, "/track/open/"))
}

func TestRewriteLinks(t *testing.T) {
	tr := newTestTracker()
	in := `<a href="https://example.com/a?x=1&amp;y=2">A</a> <a href='http://example.org'>B</a> ` +
		`<a href="mailto:hi@example.com">M</a> <a href="tel:+100">T</a> <a href="/relative">R</a>`

	out, links := tr.RewriteLinks(in, scope)
	require.Len(t, links, 2)
	assert.Equal(t, TrackedLink{ID: "link-1", URL: "https://example.com/a?x=1&y=2", Position: 0}, links[0])
	assert.Equal(t, TrackedLink{ID: "link-2", URL: "http://example.org", Position: 1}, links[1])

	assert.Contains(t, out, `href="mailto:hi@example.com"`)
	assert.Contains(t, out, `href="tel:+100"`)
	assert.Contains(t, out, `href="/relative"`)
	assert.Contains(t, out, ">A</a>")

	want := "https://t.unosend.test/track/click/link-1?cid=c-1&eid=email-1&url=" + url.QueryEscape("https://example.com/a?x=1&y=2")
	assert.Contains(t, out, `href="`+strings.ReplaceAll(want, "&", "&amp;")+`"`)
}

func TestRewriteLinksIdempotent(t *testing.T) {
	tr := newTestTracker()
	in := `<body><a href="https://example.com">go</a></body>`

	once, links := tr.RewriteLinks(in, scope)
	require.Len(t, links, 1)
	twice, again := tr.RewriteLinks(once, scope)

	assert.Equal(t, once, twice)
	assert.Empty(t, again)
}

func TestRewriteSkipsUnsubscribeLinks(t *testing.T) {
	tr := newTestTracker()
	in := `<a href="https://t.unosend.test/unsubscribe/abc.def">Unsubscribe</a>`
	out, links := tr.RewriteLinks(in, scope)
	assert.Equal(t, in, out)
	assert.Empty(t, links)
}

func TestInstrumentOptions(t *testing.T) {
	tr := newTestTracker()
	in := `<body><a href="https://example.com">go</a></body>`

	out, links := tr.Instrument(in, scope, Options{})
	assert.Equal(t, in, out)
	assert.Empty(t, links)

	out, links = tr.Instrument(in, scope, Options{Opens: true, Clicks: true})
	assert.Len(t, links, 1)
	assert.Contains(t, out, "/track/open/email-1")
	assert.Contains(t, out, "/track/click/link-1")

	again, more := tr.Instrument(out, scope, Options{Opens: true, Clicks: true})
	assert.Equal(t, out, again)
	assert.Empty(t, more)
}

func TestInstrumentEmptyHTML(t *testing.T) {
	out, links := newTestTracker().Instrument("", scope, Options{Opens: true, Clicks: true})
	assert.Empty(t, out)
	assert.Nil(t, links)
}
