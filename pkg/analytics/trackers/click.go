package trackers

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/dom"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/identity"
)

const (
	// OptInAttribute marks any element as click-trackable.
	OptInAttribute = "data-track-surface"

	maxTextLen = 100
	maxPathLen = 5
)

// ClickTracker emits a click event for interactive elements.
type ClickTracker struct {
	tracker
}

func NewClickTracker(env identity.EnvironmentInfoProvider, logger *slog.Logger) *ClickTracker {
	return &ClickTracker{tracker: newTracker(env, logger)}
}

// Setup attaches a capturing click listener to target.
func (c *ClickTracker) Setup(target dom.EventTarget, emit Emit) {
	c.Teardown()
	c.remove = target.AddEventListener(dom.Click, true, func(e dom.Event) {
		guard(c.logger, "click", func() { c.handle(e, emit) })
	})
}

func (c *ClickTracker) handle(e dom.Event, emit Emit) {
	el := e.Target
	if el == nil || !IsInteractive(el) {
		return
	}

	href, _ := el.Attribute("href")
	typ, _ := el.Attribute("type")
	name, _ := el.Attribute("name")
	classes := el.ClassList()
	if classes == nil {
		classes = []string{}
	}

	emit(analytics.Event{
		Name: analytics.EventClick,
		Properties: analytics.Properties{
			"element_id":      orNil(el.ID()),
			"element_tag":     strings.ToLower(el.TagName()),
			"element_classes": classes,
			"element_text":    elementText(el),
			"element_href":    orNil(href),
			"element_type":    orNil(typ),
			"element_name":    orNil(name),
			"element_path":    ElementPath(el),
			"page_url":        pageURL(c.env),
			"viewport_x":      e.ClientX,
			"viewport_y":      e.ClientY,
			"page_x":          e.PageX,
			"page_y":          e.PageY,
		},
	})
}

// IsInteractive reports whether a click on el is worth tracking: buttons,
// links, submit/button inputs, role=button, or the explicit opt-in attribute.
func IsInteractive(el dom.Element) bool {
	switch strings.ToLower(el.TagName()) {
	case "button", "a":
		return true
	case "input":
		switch attrLower(el, "type") {
		case "submit", "button":
			return true
		}
	}
	if attrLower(el, "role") == "button" {
		return true
	}
	_, optIn := el.Attribute(OptInAttribute)
	return optIn
}

func elementText(el dom.Element) string {
	text := strings.TrimSpace(el.Text())
	if utf8.RuneCountInString(text) <= maxTextLen {
		return text
	}
	return string([]rune(text)[:maxTextLen])
}

// ElementPath renders up to five ancestors as "tag#id > tag.cls1.cls2",
// stopping below <body> or at the first ancestor carrying an id.
func ElementPath(el dom.Element) string {
	var path []string
	for cur := el; cur != nil && len(path) < maxPathLen; cur = cur.Parent() {
		tag := strings.ToLower(cur.TagName())
		if tag == "body" {
			break
		}
		if id := cur.ID(); id != "" {
			path = append(path, tag+"#"+id)
			break
		}
		selector := tag
		if classes := cur.ClassList(); len(classes) > 0 {
			if len(classes) > 2 {
				classes = classes[:2]
			}
			selector += "." + strings.Join(classes, ".")
		}
		path = append(path, selector)
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return strings.Join(path, " > ")
}
