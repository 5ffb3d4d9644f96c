package identity

import (
	"net/url"
	"strconv"
	"sync"
)

// Environment describes the host browser. The fields mirror what a page can
// read from navigator, screen, window and Intl.
type Environment struct {
	UserAgent           string
	Language            string
	Platform            string
	ScreenWidth         int
	ScreenHeight        int
	ViewportWidth       int
	ViewportHeight      int
	ColorDepth          int
	Timezone            string
	TimezoneOffset      int // minutes, as Date.getTimezoneOffset
	SessionStorage      bool
	LocalStorage        bool
	CookieEnabled       bool
	Online              bool
	HardwareConcurrency int
	MaxTouchPoints      int
}

// Signals returns the ordered fingerprint inputs. The order is fixed; changing
// it changes every fingerprint.
func (e Environment) Signals() []string {
	return []string{
		e.UserAgent,
		e.Language,
		strconv.Itoa(e.ScreenWidth) + "x" + strconv.Itoa(e.ScreenHeight),
		strconv.Itoa(e.ColorDepth),
		strconv.Itoa(e.TimezoneOffset),
		strconv.FormatBool(e.SessionStorage),
		strconv.FormatBool(e.LocalStorage),
		strconv.Itoa(e.HardwareConcurrency),
		strconv.Itoa(e.MaxTouchPoints),
	}
}

// Page is the document currently shown.
type Page struct {
	URL      string
	Title    string
	Referrer string
}

// Path returns the URL path, or "" when the URL does not parse.
func (p Page) Path() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

// Search returns the query string including the leading "?", as location.search.
func (p Page) Search() string {
	u, err := url.Parse(p.URL)
	if err != nil || u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}

// Hash returns the fragment including the leading "#", as location.hash.
func (p Page) Hash() string {
	u, err := url.Parse(p.URL)
	if err != nil || u.Fragment == "" {
		return ""
	}
	return "#" + u.EscapedFragment()
}

// ReferrerOrDirect returns the referrer, or "direct" when there is none.
func (p Page) ReferrerOrDirect() string {
	if p.Referrer == "" {
		return "direct"
	}
	return p.Referrer
}

// EnvironmentInfoProvider exposes the host environment to the identity
// resolver, trackers and agent without touching browser globals.
type EnvironmentInfoProvider interface {
	Environment() Environment
	Page() Page
}

// StaticEnvironment is a fixed EnvironmentInfoProvider whose page can be
// changed to simulate navigation.
type StaticEnvironment struct {
	mu   sync.RWMutex
	env  Environment
	page Page
}

// NewStaticEnvironment returns a provider reporting env and page.
func NewStaticEnvironment(env Environment, page Page) *StaticEnvironment {
	return &StaticEnvironment{env: env, page: page}
}

func (s *StaticEnvironment) Environment() Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env
}

func (s *StaticEnvironment) Page() Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page
}

// Navigate replaces the current page.
func (s *StaticEnvironment) Navigate(p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = p
}
