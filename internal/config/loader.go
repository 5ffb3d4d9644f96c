package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML structure of CONFIG_FILE.
type FileConfig struct {
	DBURL         string    `yaml:"db_url"`
	StoreDriver   string    `yaml:"store_driver"`
	Addr          string    `yaml:"addr"`
	LogLevel      string    `yaml:"log_level"`
	TagScriptPath string    `yaml:"tag_script_path"`
	Projects      []Project `yaml:"projects"`
}

// ReadFile parses a config file.
func ReadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for i, p := range fc.Projects {
		if p.APIKey == "" {
			return nil, fmt.Errorf("config %s: projects[%d]: api_key is required", path, i)
		}
		if p.Name == "" {
			fc.Projects[i].Name = p.APIKey
		}
	}
	return &fc, nil
}

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *FileConfig
	onChange []func(*FileConfig)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	fc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	l.current = fc
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *FileConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*FileConfig)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config reload failed, keeping previous config",
							slog.String("path", l.path), slog.String("error", err.Error()))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					l.logger.Warn("config watcher error", slog.String("error", err.Error()))
				}
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*FileConfig, error) {
	fc, err := ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = fc
	callbacks := make([]func(*FileConfig), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(fc)
	}
	return fc, nil
}
