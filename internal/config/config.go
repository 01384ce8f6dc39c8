// Package config loads the sync engine's configuration: the db path, the
// configured set of sync repos, the periodic sync interval, and logging
// options. The config file lives at an XDG path by default, is validated
// against an embedded JSON Schema before use, and environment variables
// layer on top of it.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/store"
)

//go:embed config.schema.json
var configSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(configSchemaJSON))
	})
	return schema, schemaErr
}

// Config is the sync engine's runtime configuration.
type Config struct {
	DBPath       string            `yaml:"db_path"`
	Repos        []record.SyncRepo `yaml:"repos"`
	SyncInterval time.Duration     `yaml:"sync_interval"`
	AgentName    string            `yaml:"agent_name"`
	Log          LogConfig         `yaml:"log"`
}

// UnmarshalYAML decodes sync_interval by hand: the CLI surface specifies
// plain seconds, the config file reads better as a Go duration string,
// and yaml.v3 natively supports neither for a time.Duration field.
// Fields absent from the document keep whatever value c already holds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain struct {
		DBPath    string            `yaml:"db_path"`
		Repos     []record.SyncRepo `yaml:"repos"`
		Interval  yaml.Node         `yaml:"sync_interval"`
		AgentName string            `yaml:"agent_name"`
		Log       LogConfig         `yaml:"log"`
	}
	p := plain{DBPath: c.DBPath, Repos: c.Repos, AgentName: c.AgentName, Log: c.Log}
	if err := value.Decode(&p); err != nil {
		return err
	}
	c.DBPath, c.Repos, c.AgentName, c.Log = p.DBPath, p.Repos, p.AgentName, p.Log
	if !p.Interval.IsZero() {
		d, err := ParseInterval(p.Interval.Value)
		if err != nil {
			return err
		}
		c.SyncInterval = d
	}
	return nil
}

// ParseInterval reads a sync interval given either as a bare number of
// seconds ("300", "0" disables periodic sync) or as a Go duration
// string ("5m").
func ParseInterval(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid sync interval %q: must be >= 0", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid sync interval %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid sync interval %q: must be >= 0", s)
	}
	return d, nil
}

// LogConfig controls the plain log.Printf output.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a Config with no configured repos, a five-minute
// sync interval, and the default db path.
func DefaultConfig() *Config {
	return &Config{
		DBPath:       store.DefaultDBPath(),
		SyncInterval: 5 * time.Minute,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function, so tests can supply isolated environment values. The config
// file, if present, is validated against the embedded JSON Schema before
// being unmarshaled; a malformed config is a fatal startup error.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	return LoadFromPath(getConfigPathWithEnv(getenv), getenv)
}

// LoadFromPath loads and validates configuration from an explicit file
// path (the --sync-config CLI flag's target), applying the same
// environment overlay LoadWithEnv does. A missing file is not an error:
// the caller gets defaults plus whatever the environment overlays.
func LoadFromPath(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := validateAgainstSchema(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg, getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over whatever the config
// file (or the defaults) already set.
func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	if dbPath := getenv("KNOWSYNC_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if agent := getenv("KNOWSYNC_AGENT_NAME"); agent != "" {
		cfg.AgentName = agent
	}
	if level := getenv("KNOWSYNC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if interval := getenv("KNOWSYNC_SYNC_INTERVAL"); interval != "" {
		d, err := ParseInterval(interval)
		if err != nil {
			return fmt.Errorf("KNOWSYNC_SYNC_INTERVAL: %w", err)
		}
		cfg.SyncInterval = d
	}
	if repoPath := getenv("KNOWSYNC_SYNC_REPO"); repoPath != "" {
		cfg.Repos = SingleRepoShorthand(repoPath)
	}
	return nil
}

// SingleRepoShorthand builds the one-element, no-filter repos list the
// --sync-repo CLI flag and KNOWSYNC_SYNC_REPO env var are shorthand for.
// Relative paths are resolved against the working directory, since repo
// paths are absolute everywhere else in the engine.
func SingleRepoShorthand(path string) []record.SyncRepo {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return []record.SyncRepo{{Name: filepath.Base(path), Path: path}}
}

// validateAgainstSchema decodes raw YAML config bytes and checks the
// result against the embedded JSON Schema. gojsonschema validates JSON
// documents, so the decoded YAML value (already a plain
// map[string]interface{} after yaml.v3 unmarshaling into interface{}) is
// handed to it directly via NewGoLoader rather than round-tripping
// through encoding/json.
func validateAgainstSchema(data []byte) error {
	var decoded interface{}
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	decoded = normalizeForSchema(decoded)

	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(decoded))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if !result.Valid() {
		var lines []string
		for _, verr := range result.Errors() {
			lines = append(lines, verr.String())
		}
		return fmt.Errorf("schema validation failed:\n%s", strings.Join(lines, "\n"))
	}
	return nil
}

// normalizeForSchema converts the map[interface{}]interface{} nodes
// yaml.v3 can produce into map[string]interface{}, which is what
// gojsonschema's Go loader and encoding/json both expect.
func normalizeForSchema(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[k] = normalizeForSchema(sub)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[fmt.Sprintf("%v", k)] = normalizeForSchema(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = normalizeForSchema(sub)
		}
		return out
	default:
		return val
	}
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "knowsync", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "knowsync", "config.yaml")
}
