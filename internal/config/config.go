package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/acsync/internal/filter"
	"github.com/schaermu/acsync/internal/integrity"
	"github.com/schaermu/acsync/internal/syncerr"
	"github.com/schaermu/acsync/internal/tree"
)

// AppName is used for the default config location
const AppName = "acsync"

// Config represents the complete acsync configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths" toml:"paths"`
	Filters FiltersConfig `yaml:"filters" toml:"filters"`
	Sync    SyncConfig    `yaml:"sync" toml:"sync"`
}

// PathsConfig names the two trees kept in sync
type PathsConfig struct {
	Origin      string `yaml:"origin" toml:"origin"`
	Destination string `yaml:"destination" toml:"destination"`
}

// FiltersConfig configures which entries take part in a run
type FiltersConfig struct {
	IncludeFile string   `yaml:"include_file" toml:"include_file"`
	ExcludeFile string   `yaml:"exclude_file" toml:"exclude_file"`
	Include     []string `yaml:"include,omitempty" toml:"include,omitempty"`
	Exclude     []string `yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	Extensions  []string `yaml:"extensions,omitempty" toml:"extensions,omitempty"`
	MaxDepth    int      `yaml:"max_depth" toml:"max_depth"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	PromptOverrides bool   `yaml:"prompt_overrides" toml:"prompt_overrides"`
	Integrity       string `yaml:"integrity" toml:"integrity"`
	Checksum        string `yaml:"checksum" toml:"checksum"`
	Symlinks        string `yaml:"symlinks" toml:"symlinks"`
	Workers         int    `yaml:"workers" toml:"workers"`
	// MtimeWindow is a duration such as "2s" for filesystems with coarse timestamps
	MtimeWindow string `yaml:"mtime_window" toml:"mtime_window"`
}

// DefaultPath returns the config file location under the XDG config home
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. The format follows the
// file extension: .toml for TOML, anything else is YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.CodeConfiguration, "", "read config file")
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.CodeConfiguration, "", "parse config file")
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, syncerr.Wrap(err, syncerr.CodeConfiguration, "", "invalid configuration")
	}

	return &cfg, nil
}

// LoadOrDefault loads path when it exists and returns defaults otherwise
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(os.ExpandEnv(path)); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the configuration, creating parent directories as needed
func Save(path string, cfg *Config) error {
	path = os.ExpandEnv(path)

	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(cfg); err == nil {
			err = enc.Close()
		}
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".acsync-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.Origin = os.ExpandEnv(c.Paths.Origin)
	c.Paths.Destination = os.ExpandEnv(c.Paths.Destination)
	c.Filters.IncludeFile = os.ExpandEnv(c.Filters.IncludeFile)
	c.Filters.ExcludeFile = os.ExpandEnv(c.Filters.ExcludeFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Filters.IncludeFile == "" {
		c.Filters.IncludeFile = filter.DefaultIncludeFile
	}
	if c.Filters.ExcludeFile == "" {
		c.Filters.ExcludeFile = filter.DefaultExcludeFile
	}
	if c.Sync.Integrity == "" {
		c.Sync.Integrity = string(integrity.LevelMetadata)
	}
	if c.Sync.Checksum == "" {
		c.Sync.Checksum = string(integrity.SHA256)
	}
	if c.Sync.Symlinks == "" {
		c.Sync.Symlinks = string(tree.SymlinkPreserve)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, err := integrity.ParseLevel(c.Sync.Integrity); err != nil {
		return fmt.Errorf("sync.integrity: %w", err)
	}
	if _, err := integrity.ParseAlgorithm(c.Sync.Checksum); err != nil {
		return fmt.Errorf("sync.checksum: %w", err)
	}
	switch tree.SymlinkMode(c.Sync.Symlinks) {
	case tree.SymlinkPreserve, tree.SymlinkResolve:
		// valid
	default:
		return fmt.Errorf("invalid sync.symlinks mode: %s (must be preserve or resolve)", c.Sync.Symlinks)
	}
	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers must not be negative")
	}
	if _, err := c.ModTimeWindow(); err != nil {
		return err
	}
	if c.Filters.MaxDepth < 0 {
		return fmt.Errorf("filters.max_depth must not be negative")
	}

	// Rule file names are relative to the origin root
	for key, name := range map[string]string{
		"filters.include_file": c.Filters.IncludeFile,
		"filters.exclude_file": c.Filters.ExcludeFile,
	} {
		if filepath.IsAbs(name) || strings.Contains(filepath.ToSlash(name), "..") {
			return fmt.Errorf("%s must be a path inside the origin: %s", key, name)
		}
	}

	return nil
}

// ValidatePaths checks that origin and destination are usable as a pair
func (c *Config) ValidatePaths() error {
	if c.Paths.Origin == "" || c.Paths.Destination == "" {
		return syncerr.New(syncerr.CodeConfiguration, "", "origin and destination must both be set")
	}
	origin, err := filepath.Abs(c.Paths.Origin)
	if err != nil {
		return syncerr.Wrap(err, syncerr.CodeConfiguration, "", "resolve origin")
	}
	dest, err := filepath.Abs(c.Paths.Destination)
	if err != nil {
		return syncerr.Wrap(err, syncerr.CodeConfiguration, "", "resolve destination")
	}
	if origin == dest {
		return syncerr.New(syncerr.CodeConfiguration, "", "origin and destination are the same directory: %s", origin)
	}
	if within(dest, origin) || within(origin, dest) {
		return syncerr.New(syncerr.CodeConfiguration, "", "origin and destination must not contain each other")
	}
	return nil
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ModTimeWindow parses sync.mtime_window; empty means zero
func (c *Config) ModTimeWindow() (time.Duration, error) {
	if c.Sync.MtimeWindow == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Sync.MtimeWindow)
	if err != nil {
		return 0, fmt.Errorf("invalid sync.mtime_window: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("sync.mtime_window must not be negative")
	}
	return d, nil
}

// FilterRules returns the inline include and exclude rules
func (c *Config) FilterRules() []filter.Rule {
	rules := make([]filter.Rule, 0, len(c.Filters.Include)+len(c.Filters.Exclude))
	for _, p := range c.Filters.Include {
		rules = append(rules, filter.Rule{Pattern: p, Kind: filter.Include})
	}
	for _, p := range c.Filters.Exclude {
		rules = append(rules, filter.Rule{Pattern: p, Kind: filter.Exclude})
	}
	return rules
}
