package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Storage keys persisted on the client.
const (
	KeyVisitorID = "surface_visitor_id"
	KeyUserID    = "surface_user_id"
	KeySessionID = "surface_session_id"
)

// ErrUnavailable is returned by stores whose backing mechanism is disabled.
var ErrUnavailable = errors.New("storage unavailable")

// Store is a key/value capability standing in for browser storage
// (localStorage, sessionStorage, cookies). Get returns "" with a nil error
// when the key is absent.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string, ttl time.Duration) error
}

// MemoryStore is a process-local Store. It backs session-scoped state and
// tests.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *MemoryStore) Set(key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Delete removes key, simulating the user clearing one storage mechanism.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// JarStore keeps values as cookies for a single site in an http.CookieJar.
type JarStore struct {
	jar http.CookieJar
	u   *url.URL
	now func() time.Time
}

// NewJarStore scopes cookies to siteURL.
func NewJarStore(jar http.CookieJar, siteURL string) (*JarStore, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}
	return &JarStore{jar: jar, u: u, now: time.Now}, nil
}

func (j *JarStore) Get(key string) (string, error) {
	for _, c := range j.jar.Cookies(j.u) {
		if c.Name == key {
			return c.Value, nil
		}
	}
	return "", nil
}

func (j *JarStore) Set(key, value string, ttl time.Duration) error {
	c := &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.Expires = j.now().Add(ttl)
	}
	j.jar.SetCookies(j.u, []*http.Cookie{c})
	return nil
}

type fileEntry struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

// FileStore persists values to a JSON file so identity survives process
// restarts, the way localStorage survives page loads. Writes replace the
// file atomically.
type FileStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileStore stores values at path. The file is created on first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

func (f *FileStore) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return "", err
	}
	e, ok := entries[key]
	if !ok {
		return "", nil
	}
	if !e.Expires.IsZero() && f.now().After(e.Expires) {
		return "", nil
	}
	return e.Value, nil
}

func (f *FileStore) Set(key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	e := fileEntry{Value: value}
	if ttl > 0 {
		e.Expires = f.now().Add(ttl).UTC()
	}
	entries[key] = e

	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write store %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) read() (map[string]fileEntry, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]fileEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store %s: %w", f.path, err)
	}
	entries := map[string]fileEntry{}
	if len(b) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", f.path, err)
	}
	return entries, nil
}

// get and set shield callers from unavailable or failing stores. Any error
// is treated as "absent" and never propagated.
func get(s Store, key string) string {
	if s == nil {
		return ""
	}
	v, err := s.Get(key)
	if err != nil {
		return ""
	}
	return v
}

func set(s Store, key, value string, ttl time.Duration) bool {
	if s == nil {
		return false
	}
	return s.Set(key, value, ttl) == nil
}
