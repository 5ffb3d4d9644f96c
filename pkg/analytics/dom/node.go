package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Node adapts an *html.Node element to Element.
type Node struct {
	n *html.Node
}

var _ Element = (*Node)(nil)

func wrap(n *html.Node) *Node {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	return &Node{n: n}
}

func (e *Node) TagName() string { return e.n.Data }

func (e *Node) ID() string {
	v, _ := attr(e.n, "id")
	return v
}

func (e *Node) ClassList() []string {
	v, _ := attr(e.n, "class")
	return strings.Fields(v)
}

func (e *Node) Attribute(name string) (string, bool) {
	return attr(e.n, name)
}

func (e *Node) Text() string {
	return textContent(e.n)
}

// Value returns the current value of a form control.
func (e *Node) Value() string {
	v, _ := attr(e.n, "value")
	return v
}

// SetValue simulates user input into a form control.
func (e *Node) SetValue(v string) {
	for i := range e.n.Attr {
		if e.n.Attr[i].Key == "value" {
			e.n.Attr[i].Val = v
			return
		}
	}
	e.n.Attr = append(e.n.Attr, html.Attribute{Key: "value", Val: v})
}

// Parent returns the parent element, or nil at the root. The returned
// interface is a true nil so callers can compare against nil.
func (e *Node) Parent() Element {
	if p := wrap(e.n.Parent); p != nil {
		return p
	}
	return nil
}

// Form returns the closest enclosing <form>, or nil.
func (e *Node) Form() Element {
	for p := e.n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Form {
			return &Node{n: p}
		}
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
