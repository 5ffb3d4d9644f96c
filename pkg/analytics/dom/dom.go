// Package dom abstracts the parts of a browser document the trackers and the
// agent observe, so they run and are tested without a browser runtime.
package dom

import (
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Visibility states reported by a Document.
const (
	Visible = "visible"
	Hidden  = "hidden"
)

// Event types the agent listens for.
const (
	Click            = "click"
	Blur             = "blur"
	BeforeUnload     = "beforeunload"
	PageHide         = "pagehide"
	VisibilityChange = "visibilitychange"
)

// Element is a node in the document tree.
type Element interface {
	TagName() string
	ID() string
	ClassList() []string
	Attribute(name string) (string, bool)
	Text() string
	Value() string
	Parent() Element
	Form() Element
}

// Event is a dispatched DOM event. Pointer coordinates are only set for
// mouse events.
type Event struct {
	Type    string
	Target  Element
	ClientX float64
	ClientY float64
	PageX   float64
	PageY   float64
}

// Listener handles a dispatched Event.
type Listener func(Event)

// EventTarget accepts listeners. The returned func removes the listener.
type EventTarget interface {
	AddEventListener(eventType string, capture bool, fn Listener) (remove func())
}

// Document is the page as seen by the agent.
type Document interface {
	EventTarget
	VisibilityState() string
}

type registration struct {
	id      int
	capture bool
	fn      Listener
}

// HTMLDocument is a Document over a parsed HTML tree. Dispatch runs all
// capturing listeners before bubbling ones, each group in registration order.
type HTMLDocument struct {
	root *html.Node

	mu         sync.Mutex
	nextID     int
	listeners  map[string][]registration
	visibility string
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return &HTMLDocument{
		root:       root,
		listeners:  map[string][]registration{},
		visibility: Visible,
	}, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*HTMLDocument, error) {
	return Parse(strings.NewReader(s))
}

func (d *HTMLDocument) AddEventListener(eventType string, capture bool, fn Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.listeners[eventType] = append(d.listeners[eventType], registration{id: id, capture: capture, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		regs := d.listeners[eventType]
		for i, r := range regs {
			if r.id == id {
				d.listeners[eventType] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers ev to the registered listeners.
func (d *HTMLDocument) Dispatch(ev Event) {
	d.mu.Lock()
	regs := append([]registration(nil), d.listeners[ev.Type]...)
	d.mu.Unlock()

	for _, r := range regs {
		if r.capture {
			r.fn(ev)
		}
	}
	for _, r := range regs {
		if !r.capture {
			r.fn(ev)
		}
	}
}

func (d *HTMLDocument) VisibilityState() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibility
}

// SetVisibility changes the visibility state and fires visibilitychange.
func (d *HTMLDocument) SetVisibility(state string) {
	d.mu.Lock()
	changed := d.visibility != state
	d.visibility = state
	d.mu.Unlock()

	if changed {
		d.Dispatch(Event{Type: VisibilityChange})
	}
}

// Title returns the text of the <title> element.
func (d *HTMLDocument) Title() string {
	n := find(d.root, func(n *html.Node) bool { return n.DataAtom == atom.Title })
	if n == nil {
		return ""
	}
	return strings.TrimSpace(textContent(n))
}

// GetElementByID returns the element with the given id, or nil.
func (d *HTMLDocument) GetElementByID(id string) *Node {
	n := find(d.root, func(n *html.Node) bool {
		v, ok := attr(n, "id")
		return ok && v == id
	})
	return wrap(n)
}

// QuerySelector returns the first element with the given tag name, or nil.
func (d *HTMLDocument) QuerySelector(tag string) *Node {
	tag = strings.ToLower(tag)
	n := find(d.root, func(n *html.Node) bool { return n.Data == tag })
	return wrap(n)
}

// Find returns the first element, in document order, for which match is true.
func (d *HTMLDocument) Find(match func(*Node) bool) *Node {
	n := find(d.root, func(n *html.Node) bool { return match(&Node{n: n}) })
	return wrap(n)
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}
