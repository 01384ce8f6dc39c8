package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("DefaultConfig() SyncInterval = %v, want %v", cfg.SyncInterval, 5*time.Minute)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("DefaultConfig() Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if len(cfg.Repos) != 0 {
		t.Errorf("DefaultConfig() Repos = %v, want empty", cfg.Repos)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "knowsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
db_path: /tmp/knowsync-test.db
sync_interval: 2m
agent_name: agent-a
repos:
  - name: main
    path: /repos/main
  - name: project-x
    path: /repos/project-x
    remote: "https://example.com/project-x.git"
    scope: project
    project: project-x
log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.DBPath != "/tmp/knowsync-test.db" {
		t.Errorf("LoadWithEnv() DBPath = %q, want %q", cfg.DBPath, "/tmp/knowsync-test.db")
	}
	if cfg.SyncInterval != 2*time.Minute {
		t.Errorf("LoadWithEnv() SyncInterval = %v, want %v", cfg.SyncInterval, 2*time.Minute)
	}
	if cfg.AgentName != "agent-a" {
		t.Errorf("LoadWithEnv() AgentName = %q, want %q", cfg.AgentName, "agent-a")
	}
	if len(cfg.Repos) != 2 {
		t.Fatalf("LoadWithEnv() Repos len = %d, want 2", len(cfg.Repos))
	}
	if cfg.Repos[0].Name != "main" || cfg.Repos[0].Path != "/repos/main" {
		t.Errorf("LoadWithEnv() Repos[0] = %+v, want main/repos/main", cfg.Repos[0])
	}
	if cfg.Repos[1].Scope != "project" || cfg.Repos[1].Project != "project-x" {
		t.Errorf("LoadWithEnv() Repos[1] = %+v, want scope=project project=project-x", cfg.Repos[1])
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "knowsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `db_path: /file/path.db`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
		"KNOWSYNC_DB_PATH": "/env/path.db",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.DBPath != "/env/path.db" {
		t.Errorf("LoadWithEnv() DBPath = %q, want %q (env override)", cfg.DBPath, "/env/path.db")
	}
}

func TestLoadSyncRepoEnvShorthand(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":  tmpDir,
		"KNOWSYNC_SYNC_REPO": "/repos/solo",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if len(cfg.Repos) != 1 || cfg.Repos[0].Path != "/repos/solo" {
		t.Fatalf("LoadWithEnv() Repos = %+v, want one-element shorthand for /repos/solo", cfg.Repos)
	}
	if cfg.Repos[0].HasScopeFilter() || cfg.Repos[0].HasProjectFilter() {
		t.Errorf("LoadWithEnv() shorthand repo should have no filters, got %+v", cfg.Repos[0])
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("LoadWithEnv() without file should use default SyncInterval, got %v", cfg.SyncInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() without file should use default Log.Level, got %q", cfg.Log.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "knowsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := `
repos: [this is invalid yaml
`
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestLoadRejectsRepoMissingPath(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "knowsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
repos:
  - name: main
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with a repo missing path should fail schema validation")
	}
}

func TestLoadRejectsInvalidScope(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "knowsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
repos:
  - name: main
    path: /repos/main
    scope: nonsense
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with an invalid scope enum should fail schema validation")
	}
}

func TestLoadIntervalAsSeconds(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "knowsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("sync_interval: 300\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("LoadWithEnv() SyncInterval = %v, want 300s", cfg.SyncInterval)
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"300", 5 * time.Minute, false},
		{"0", 0, false},
		{"5m", 5 * time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"-1", 0, true},
		{"nonsense", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInterval(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "knowsync", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "knowsync", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "knowsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
sync_interval: 90s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.SyncInterval != 90*time.Second {
		t.Errorf("LoadWithEnv() SyncInterval = %v, want %v", cfg.SyncInterval, 90*time.Second)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q (default preserved)", cfg.Log.Level, "info")
	}
}
