package trackers_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/dom"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/identity"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/trackers"
)

const page = `<!doctype html>
<html><head><title>Shop</title></head>
<body>
  <main id="content">
    <section class="hero dark big">
      <div class="cta">
        <button id="buy" class="btn primary" name="buy" type="button">  Buy now  </button>
        <span class="icon"><a href="/pricing">Pricing</a></span>
        <div class="plain">Not a control</div>
        <div class="tile" data-track-surface>Tracked tile</div>
        <div role="button">Fake button</div>
        <input type="submit" value="Go">
        <input type="text" name="q">
      </div>
    </section>
  </main>
  <form id="newsletter" name="news">
    <input id="footer-email" name="subscriber" placeholder="Your EMAIL" value="  Jane.Doe@Example.COM ">
    <input id="phone" name="phone" value="jane@example.com">
    <input type="email" id="work" value="not-an-email">
  </form>
  <input type="email" id="loose" value="x@y.io">
</body></html>`

type harness struct {
	doc    *dom.HTMLDocument
	env    *identity.StaticEnvironment
	events []analytics.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	doc, err := dom.ParseString(page)
	require.NoError(t, err)
	return &harness{
		doc: doc,
		env: identity.NewStaticEnvironment(identity.Environment{}, identity.Page{URL: "https://shop.example.com/"}),
	}
}

func (h *harness) emit(ev analytics.Event) { h.events = append(h.events, ev) }

func (h *harness) click(t *testing.T, el dom.Element) {
	t.Helper()
	h.doc.Dispatch(dom.Event{Type: dom.Click, Target: el, ClientX: 10, ClientY: 20, PageX: 10, PageY: 820})
}

func findByClass(t *testing.T, doc *dom.HTMLDocument, tag, class string) dom.Element {
	t.Helper()
	el := queryClass(doc, tag, class)
	require.NotNil(t, el, "no <%s class=%s>", tag, class)
	return el
}

func queryClass(doc *dom.HTMLDocument, tag, class string) dom.Element {
	n := doc.Find(func(n *dom.Node) bool {
		return n.TagName() == tag && slices.Contains(n.ClassList(), class)
	})
	if n == nil {
		return nil
	}
	return n
}

func queryRole(doc *dom.HTMLDocument) dom.Element {
	n := doc.Find(func(n *dom.Node) bool {
		role, _ := n.Attribute("role")
		return role == "button"
	})
	if n == nil {
		return nil
	}
	return n
}

func queryInput(doc *dom.HTMLDocument, typ string) dom.Element {
	n := doc.Find(func(n *dom.Node) bool {
		v, _ := n.Attribute("type")
		return n.TagName() == "input" && v == typ
	})
	if n == nil {
		return nil
	}
	return n
}

func TestClickTracker_Button(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ct := trackers.NewClickTracker(h.env, nil)
	ct.Setup(h.doc, h.emit)

	h.click(t, h.doc.GetElementByID("buy"))
	require.Len(t, h.events, 1)

	ev := h.events[0]
	assert.Equal(t, analytics.EventClick, ev.Name)
	p := ev.Properties
	assert.Equal(t, "buy", p["element_id"])
	assert.Equal(t, "button", p["element_tag"])
	assert.Equal(t, []string{"btn", "primary"}, p["element_classes"])
	assert.Equal(t, "Buy now", p["element_text"])
	assert.Nil(t, p["element_href"])
	assert.Equal(t, "button", p["element_type"])
	assert.Equal(t, "buy", p["element_name"])
	assert.Equal(t, "button#buy", p["element_path"])
	assert.Equal(t, "https://shop.example.com/", p["page_url"])
	assert.Equal(t, 10.0, p["viewport_x"])
	assert.Equal(t, 820.0, p["page_y"])
}

func TestClickTracker_IgnoresPlainDiv(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	trackers.NewClickTracker(h.env, nil).Setup(h.doc, h.emit)

	h.click(t, findByClass(t, h.doc, "div", "plain"))
	h.click(t, h.doc.QuerySelector("body"))
	assert.Empty(t, h.events)
}

func TestClickTracker_OptInAndRoles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	trackers.NewClickTracker(h.env, nil).Setup(h.doc, h.emit)

	h.click(t, findByClass(t, h.doc, "div", "tile"))
	h.click(t, h.doc.QuerySelector("a"))
	require.Len(t, h.events, 2)

	assert.Equal(t, "Tracked tile", h.events[0].Properties["element_text"])
	link := h.events[1].Properties
	assert.Equal(t, "/pricing", link["element_href"])
	assert.Nil(t, link["element_id"])
	assert.Equal(t, "main#content > section.hero.dark > div.cta > span.icon > a", link["element_path"])
}

func TestIsInteractive(t *testing.T) {
	t.Parallel()

	doc, err := dom.ParseString(page)
	require.NoError(t, err)

	cases := []struct {
		el   dom.Element
		want bool
	}{
		{doc.GetElementByID("buy"), true},
		{doc.QuerySelector("a"), true},
		{queryRole(doc), true},
		{queryInput(doc, "submit"), true},
		{queryInput(doc, "text"), false},
		{queryClass(doc, "div", "plain"), false},
		{queryClass(doc, "div", "tile"), true},
	}
	for _, tc := range cases {
		require.NotNil(t, tc.el)
		assert.Equal(t, tc.want, trackers.IsInteractive(tc.el), "<%s>", tc.el.TagName())
	}
}

func TestClickTracker_Teardown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ct := trackers.NewClickTracker(h.env, nil)
	ct.Setup(h.doc, h.emit)
	ct.Teardown()

	h.click(t, h.doc.GetElementByID("buy"))
	assert.Empty(t, h.events)
}

func TestClickTracker_RecoversFromEmitPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	trackers.NewClickTracker(h.env, nil).Setup(h.doc, func(analytics.Event) { panic("boom") })

	assert.NotPanics(t, func() { h.click(t, h.doc.GetElementByID("buy")) })
}

func blur(doc *dom.HTMLDocument, el dom.Element) {
	doc.Dispatch(dom.Event{Type: dom.Blur, Target: el})
}

func TestEmailTracker_HashesValidEmail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	trackers.NewEmailTracker(h.env, identity.SHA256Hasher{}, nil).Setup(h.doc, h.emit)

	blur(h.doc, h.doc.GetElementByID("footer-email"))
	require.Len(t, h.events, 1)

	p := h.events[0].Properties
	want, _ := identity.SHA256Hasher{}.Hash("jane.doe@example.com")
	assert.Equal(t, analytics.EventEmailEntered, h.events[0].Name)
	assert.Equal(t, want, p["email_hash"])
	assert.Equal(t, "footer-email", p["field_id"])
	assert.Equal(t, "subscriber", p["field_name"])
	assert.Nil(t, p["field_type"])
	assert.Equal(t, "newsletter", p["form_id"])
	assert.Equal(t, "news", p["form_name"])
	for k, v := range p {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "jane", "raw address leaked in %s", k)
		}
	}
}

func TestEmailTracker_Predicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	trackers.NewEmailTracker(h.env, nil, nil).Setup(h.doc, h.emit)

	blur(h.doc, h.doc.GetElementByID("phone"))
	blur(h.doc, h.doc.GetElementByID("work"))
	assert.Empty(t, h.events, "non-email field and invalid address are ignored")

	blur(h.doc, h.doc.GetElementByID("loose"))
	require.Len(t, h.events, 1)
	p := h.events[0].Properties
	assert.Equal(t, identity.DJB2("x@y.io"), p["email_hash"])
	assert.Equal(t, "email", p["field_type"])
	assert.Nil(t, p["form_id"])
}

func TestIsValidEmail(t *testing.T) {
	t.Parallel()

	assert.True(t, trackers.IsValidEmail("a@b.co"))
	assert.False(t, trackers.IsValidEmail("a@b"))
	assert.False(t, trackers.IsValidEmail("a b@c.io"))
	assert.False(t, trackers.IsValidEmail(""))
}
