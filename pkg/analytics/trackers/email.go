package trackers

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/dom"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/identity"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// EmailTracker emits email_entered when a visitor leaves an email field
// holding a valid address. Only the hash of the address is sent.
type EmailTracker struct {
	tracker
	hasher identity.Hasher
}

// NewEmailTracker hashes with hasher, or the DJB2 fallback when it is nil.
func NewEmailTracker(env identity.EnvironmentInfoProvider, hasher identity.Hasher, logger *slog.Logger) *EmailTracker {
	return &EmailTracker{tracker: newTracker(env, logger), hasher: hasher}
}

// Setup attaches a capturing blur listener to target.
func (t *EmailTracker) Setup(target dom.EventTarget, emit Emit) {
	t.Teardown()
	t.remove = target.AddEventListener(dom.Blur, true, func(e dom.Event) {
		guard(t.logger, "email", func() { t.handle(e, emit) })
	})
}

func (t *EmailTracker) handle(e dom.Event, emit Emit) {
	el := e.Target
	if el == nil || !IsEmailField(el) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(el.Value()))
	if !IsValidEmail(email) {
		return
	}

	id, _ := el.Attribute("id")
	name, _ := el.Attribute("name")
	typ, _ := el.Attribute("type")
	var formID, formName any
	if form := el.Form(); form != nil {
		formID = orNil(form.ID())
		n, _ := form.Attribute("name")
		formName = orNil(n)
	}

	emit(analytics.Event{
		Name: analytics.EventEmailEntered,
		Properties: analytics.Properties{
			"email_hash": identity.HashOrFallback(t.hasher, email),
			"field_id":   orNil(id),
			"field_name": orNil(name),
			"field_type": orNil(typ),
			"page_url":   pageURL(t.env),
			"form_id":    formID,
			"form_name":  formName,
		},
	})
}

// IsEmailField reports whether el is type=email or mentions "email" in its
// name, id or placeholder.
func IsEmailField(el dom.Element) bool {
	if attrLower(el, "type") == "email" {
		return true
	}
	for _, a := range []string{"name", "id", "placeholder"} {
		if strings.Contains(attrLower(el, a), "email") {
			return true
		}
	}
	return false
}

// IsValidEmail applies the loose address check used before hashing.
func IsValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}
