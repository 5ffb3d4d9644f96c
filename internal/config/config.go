package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Storage drivers accepted in STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultAddr is the listen address when ADDR is not set.
const DefaultAddr = ":8080"

// Project is an API key the server accepts.
type Project struct {
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key"`
}

// Config contains runtime configuration required by the service.
type Config struct {
	DBURL         string
	StoreDriver   string
	Addr          string
	LogLevel      string
	TagScriptPath string
	ConfigFile    string
	Projects      []Project
}

// Load reads configuration from environment variables and, when a config
// file is named by configFile or CONFIG_FILE, overlays the non-empty values
// of that YAML file.
// API_KEYS format: "name1:key1,name2:key2"
func Load(configFile string) (Config, error) {
	cfg := Config{
		DBURL:         strings.TrimSpace(os.Getenv("DB_URL")),
		StoreDriver:   strings.TrimSpace(os.Getenv("STORE_DRIVER")),
		Addr:          strings.TrimSpace(os.Getenv("ADDR")),
		LogLevel:      strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		TagScriptPath: strings.TrimSpace(os.Getenv("TAG_SCRIPT_PATH")),
		ConfigFile:    strings.TrimSpace(os.Getenv("CONFIG_FILE")),
	}
	if configFile != "" {
		cfg.ConfigFile = configFile
	}

	projects, err := ParseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Projects = projects

	if cfg.ConfigFile != "" {
		fc, err := ReadFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Overlay(fc)
	}

	// Local dev fallback so the service runs out-of-the-box.
	if len(cfg.Projects) == 0 {
		cfg.Projects = []Project{{Name: "Test Project", APIKey: "proj_test_12345"}}
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverPostgres
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.DBURL == "" {
		return errors.New("DB_URL required")
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}
	return nil
}

// Overlay replaces fields with the non-empty values of fc. Projects from the
// file are appended; a key listed twice keeps the file's name.
func (c *Config) Overlay(fc *FileConfig) {
	if fc == nil {
		return
	}
	if fc.DBURL != "" {
		c.DBURL = fc.DBURL
	}
	if fc.StoreDriver != "" {
		c.StoreDriver = fc.StoreDriver
	}
	if fc.Addr != "" {
		c.Addr = fc.Addr
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.TagScriptPath != "" {
		c.TagScriptPath = fc.TagScriptPath
	}
	c.Projects = MergeProjects(c.Projects, fc.Projects)
}

// ParseAPIKeys parses "name:key,name:key".
func ParseAPIKeys(raw string) ([]Project, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var projects []Project
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "name:key,name:key"`)
		}
		name := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if name == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "name:key,name:key"`)
		}
		projects = append(projects, Project{Name: name, APIKey: key})
	}
	return projects, nil
}

// MergeProjects returns base followed by extra, deduplicated by API key.
// Later entries win.
func MergeProjects(base, extra []Project) []Project {
	out := make([]Project, 0, len(base)+len(extra))
	index := map[string]int{}
	for _, p := range append(append([]Project(nil), base...), extra...) {
		if i, ok := index[p.APIKey]; ok {
			out[i] = p
			continue
		}
		index[p.APIKey] = len(out)
		out = append(out, p)
	}
	return out
}
