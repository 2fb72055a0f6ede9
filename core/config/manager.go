// Package config loads pxsearch settings from YAML files and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/search"
)

// DefaultFileName is the configuration file looked up in the working directory.
const DefaultFileName = "pxsearch.yaml"

// DatabasePlaceholder is replaced by the database name in DSN templates.
const DatabasePlaceholder = "{database}"

var (
	// ErrInvalidOperator indicates a default operator other than OR or AND.
	ErrInvalidOperator = search.ErrInvalidOperator

	// ErrMissingBaseDirectory indicates no base directory was configured.
	ErrMissingBaseDirectory = errors.New("base_directory is required")

	// ErrInvalidDatabaseType indicates a database type other than px or cnmm.
	ErrInvalidDatabaseType = errors.New("database type must be px or cnmm")

	// ErrMissingDSN indicates a cnmm database without a DSN.
	ErrMissingDSN = errors.New("cnmm database requires a dsn")
)

type Manager struct {
	configPtr atomic.Pointer[Config]
	paths     []string
	overrides []func(*Config)
	watchers  []func(*Config)
	watcherMu sync.RWMutex
}

type Config struct {
	BaseDirectory   string `yaml:"base_directory"`
	CacheMinutes    int    `yaml:"cache_minutes"`
	DefaultOperator string `yaml:"default_operator"`
	MaxHandles      int    `yaml:"max_handles"`
	BatchSize       int    `yaml:"batch_size"`

	Watch        bool   `yaml:"watch"`
	Debounce     string `yaml:"debounce"`
	PollInterval string `yaml:"poll_interval"`

	StampDatabaseConfig bool `yaml:"stamp_database_config"`
	SerializeBuilds     bool `yaml:"serialize_builds"`

	// Languages are built when a command names no language.
	Languages []string `yaml:"languages"`

	DatabaseDefaults DatabaseConfig            `yaml:"database_defaults"`
	Databases        map[string]DatabaseConfig `yaml:"databases"`

	MetadataCache MetadataCacheConfig `yaml:"metadata_cache"`
}

// DatabaseConfig describes one database. Unset fields take DatabaseDefaults.
type DatabaseConfig struct {
	Type      string   `yaml:"type"`
	DSN       string   `yaml:"dsn"`
	Languages []string `yaml:"languages"`
}

type MetadataCacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	MaxCostMB int    `yaml:"max_cost_mb"`
	TTL       string `yaml:"ttl"`
}

// NewManager creates a Manager reading the given files in order, later files
// overriding earlier ones. Missing files are ignored.
func NewManager(paths ...string) *Manager {
	m := &Manager{paths: paths}
	m.configPtr.Store(DefaultConfig())
	return m
}

func DefaultConfig() *Config {
	return &Config{
		CacheMinutes:        60,
		DefaultOperator:     string(search.OperatorOR),
		MaxHandles:          64,
		BatchSize:           100,
		Watch:               true,
		Debounce:            "250ms",
		StampDatabaseConfig: true,
		SerializeBuilds:     true,
		Languages:           []string{"en"},
		DatabaseDefaults: DatabaseConfig{
			Type: catalog.TypePX.String(),
		},
		MetadataCache: MetadataCacheConfig{
			Enabled:   true,
			MaxCostMB: 64,
			TTL:       "5m",
		},
	}
}

func (m *Manager) Get() *Config {
	return m.configPtr.Load()
}

// Load rebuilds the configuration from defaults, files and environment, then
// validates it. The previous configuration stays active on error.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	for _, path := range m.paths {
		if err := m.loadYAMLFile(path, cfg); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	m.applyEnvironment(cfg)

	m.watcherMu.RLock()
	overrides := m.overrides
	m.watcherMu.RUnlock()
	for _, fn := range overrides {
		fn(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.configPtr.Store(cfg)
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("PXSEARCH_BASE_DIR"); v != "" {
		cfg.BaseDirectory = v
	}
	if v := os.Getenv("PXSEARCH_CACHE_MINUTES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.CacheMinutes = n
		}
	}
	if v := os.Getenv("PXSEARCH_DEFAULT_OPERATOR"); v != "" {
		cfg.DefaultOperator = v
	}
	if v := os.Getenv("PXSEARCH_MAX_HANDLES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.MaxHandles = n
		}
	}
	if v := os.Getenv("PXSEARCH_CNMM_DSN"); v != "" {
		cfg.DatabaseDefaults.DSN = v
	}
	if v := os.Getenv("PXSEARCH_WATCH"); v != "" {
		cfg.Watch = strings.ToLower(v) == "true"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseDirectory == "" {
		return ErrMissingBaseDirectory
	}
	if _, ok := search.ParseOperator(c.DefaultOperator); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidOperator, c.DefaultOperator)
	}
	if c.CacheMinutes <= 0 {
		return fmt.Errorf("cache_minutes must be positive, got %d", c.CacheMinutes)
	}
	if c.MaxHandles <= 0 {
		return fmt.Errorf("max_handles must be positive, got %d", c.MaxHandles)
	}
	for _, field := range []struct{ name, value string }{
		{"debounce", c.Debounce},
		{"poll_interval", c.PollInterval},
		{"metadata_cache.ttl", c.MetadataCache.TTL},
	} {
		if _, err := parseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}

	for _, name := range c.DatabaseNames() {
		db := c.Database(name)
		typ, ok := catalog.ParseDatabaseType(db.Type)
		if !ok {
			return fmt.Errorf("database %s: %w", name, ErrInvalidDatabaseType)
		}
		if typ == catalog.TypeCNMM && db.DSN == "" {
			return fmt.Errorf("database %s: %w", name, ErrMissingDSN)
		}
	}
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Operator returns the parsed default operator.
func (c *Config) Operator() search.Operator {
	op, ok := search.ParseOperator(c.DefaultOperator)
	if !ok {
		return search.OperatorOR
	}
	return op
}

// CacheTTL returns the handle lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheMinutes) * time.Minute
}

// DebounceDuration returns the watcher debounce, zero when unset.
func (c *Config) DebounceDuration() time.Duration {
	d, _ := parseDuration(c.Debounce)
	return d
}

// PollDuration returns the watcher poll interval, zero when unset.
func (c *Config) PollDuration() time.Duration {
	d, _ := parseDuration(c.PollInterval)
	return d
}

// MetadataCacheTTL returns the metadata cache lifetime, zero when unset.
func (c *Config) MetadataCacheTTL() time.Duration {
	d, _ := parseDuration(c.MetadataCache.TTL)
	return d
}

// DatabaseNames lists the configured databases in order.
func (c *Config) DatabaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Database returns the settings of a database merged over DatabaseDefaults,
// with the DSN template expanded. Unknown databases get the defaults.
func (c *Config) Database(name string) DatabaseConfig {
	merged := c.DatabaseDefaults
	merged.Languages = append([]string(nil), c.DatabaseDefaults.Languages...)
	if db, ok := c.Databases[name]; ok {
		DeepMerge(&merged, &db)
	}
	if len(merged.Languages) == 0 {
		merged.Languages = append([]string(nil), c.Languages...)
	}
	merged.DSN = strings.ReplaceAll(merged.DSN, DatabasePlaceholder, name)
	return merged
}

// DatabaseType returns the parsed type of a database.
func (c *Config) DatabaseType(name string) catalog.DatabaseType {
	typ, _ := catalog.ParseDatabaseType(c.Database(name).Type)
	return typ
}

// =============================================================================
// Watchers
// =============================================================================

// Override registers a function applied after the environment on every Load,
// before validation. Command-line flags use it.
func (m *Manager) Override(fn func(*Config)) {
	m.watcherMu.Lock()
	m.overrides = append(m.overrides, fn)
	m.watcherMu.Unlock()
}

// OnChange registers a function called with every successfully loaded
// configuration.
func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// Reload re-reads every source. Watchers run only when the new configuration
// is valid.
func (m *Manager) Reload() error {
	return m.Load()
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
