// Package trackers emits raw events from DOM activity. Each tracker attaches
// one capturing listener and never lets a failure escape into the host page.
package trackers

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/PratikDhanave/surface-analytics/pkg/analytics"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/dom"
	"github.com/PratikDhanave/surface-analytics/pkg/analytics/identity"
)

// Emit receives raw events. The agent enriches them before they are queued.
type Emit func(analytics.Event)

// guard runs fn and converts a panic into a log line.
func guard(logger *slog.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(what+" tracking error", slog.String("error", fmt.Sprint(r)))
		}
	}()
	fn()
}

func pageURL(env identity.EnvironmentInfoProvider) string {
	if env == nil {
		return ""
	}
	return env.Page().URL
}

// orNil maps "" to a JSON null.
func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func attrLower(el dom.Element, name string) string {
	v, _ := el.Attribute(name)
	return strings.ToLower(v)
}

type tracker struct {
	env    identity.EnvironmentInfoProvider
	logger *slog.Logger
	remove func()
}

func newTracker(env identity.EnvironmentInfoProvider, logger *slog.Logger) tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return tracker{env: env, logger: logger}
}

// Teardown detaches the listener.
func (t *tracker) Teardown() {
	if t.remove != nil {
		t.remove()
		t.remove = nil
	}
}
