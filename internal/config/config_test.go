package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/surface-analytics/internal/config"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad_EnvDefaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/analytics")
	t.Setenv("API_KEYS", "")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("ADDR", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, []config.Project{{Name: "Test Project", APIKey: "proj_test_12345"}}, cfg.Projects)
}

func TestLoad_RequiresDBURL(t *testing.T) {
	t.Setenv("DB_URL", "")
	t.Setenv("CONFIG_FILE", "")

	_, err := config.Load("")
	assert.EqualError(t, err, "DB_URL required")
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_URL", "x")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_DRIVER", "mysql")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestParseAPIKeys(t *testing.T) {
	got, err := config.ParseAPIKeys(" Shop : key-1 , Blog:key-2,")
	require.NoError(t, err)
	assert.Equal(t, []config.Project{{Name: "Shop", APIKey: "key-1"}, {Name: "Blog", APIKey: "key-2"}}, got)

	_, err = config.ParseAPIKeys("no-colon")
	assert.Error(t, err)
	_, err = config.ParseAPIKeys(":key")
	assert.Error(t, err)
}

func TestLoad_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surface.yaml")
	writeFile(t, path, `
store_driver: sqlite
db_url: /tmp/surface.db
projects:
  - name: Shop
    api_key: key-1
  - api_key: key-3
`)
	t.Setenv("DB_URL", "postgres://ignored")
	t.Setenv("API_KEYS", "Old Shop:key-1,Blog:key-2")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("ADDR", ":9090")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/surface.db", cfg.DBURL)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []config.Project{
		{Name: "Shop", APIKey: "key-1"},
		{Name: "Blog", APIKey: "key-2"},
		{Name: "key-3", APIKey: "key-3"},
	}, cfg.Projects)
}

func TestReadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := config.ReadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "projects:\n  - name: nokey\n")
	_, err = config.ReadFile(bad)
	assert.ErrorContains(t, err, "api_key is required")
}

func TestLoader_ReloadNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surface.yaml")
	writeFile(t, path, "projects:\n  - {name: A, api_key: a}\n")

	l, err := config.NewLoader(path, nil)
	require.NoError(t, err)
	require.Len(t, l.Config().Projects, 1)

	var got []*config.FileConfig
	l.OnChange(func(fc *config.FileConfig) { got = append(got, fc) })

	writeFile(t, path, "projects:\n  - {name: A, api_key: a}\n  - {name: B, api_key: b}\n")
	fc, err := l.Reload()
	require.NoError(t, err)
	assert.Len(t, fc.Projects, 2)
	require.Len(t, got, 1)
	assert.Same(t, fc, l.Config())
}

func TestLoader_WatchPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surface.yaml")
	writeFile(t, path, "projects:\n  - {name: A, api_key: a}\n")

	l, err := config.NewLoader(path, nil)
	require.NoError(t, err)

	changed := make(chan *config.FileConfig, 8)
	l.OnChange(func(fc *config.FileConfig) { changed <- fc })

	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	writeFile(t, path, "projects:\n  - {name: A, api_key: a}\n  - {name: C, api_key: c}\n")

	require.Eventually(t, func() bool {
		return len(l.Config().Projects) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, changed)
}
