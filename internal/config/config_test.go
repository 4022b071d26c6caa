package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/fulltext/internal/home"
)

func testHome(t *testing.T) *home.Dir {
	t.Helper()
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configFile
}

func TestDefaults(t *testing.T) {
	h := testHome(t)
	// An explicit file that sets nothing leaves every default in place.
	mgr, err := NewManager(writeConfig(t, "{}\n"), h)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	cfg := mgr.Get()

	f := cfg.Fulltext
	if f.StorageRoot != h.StoragePath() {
		t.Errorf("expected storage root %s, got %s", h.StoragePath(), f.StorageRoot)
	}
	if f.LockDir != h.LockPath() || f.EnginesFile != h.EnginesPath() {
		t.Errorf("unexpected default paths: %+v", f)
	}
	if f.JobTimeout != 5*time.Minute {
		t.Errorf("expected 5m job timeout, got %s", f.JobTimeout)
	}
	if f.MaxConcurrentJobs != 1 || f.PageDelay != 0 || f.LockPollInterval != time.Second {
		t.Errorf("unexpected job defaults: %+v", f)
	}
	if !f.PreDownloadImages || f.PlaceholderText == "" {
		t.Errorf("unexpected placeholder/download defaults: %+v", f)
	}
	if strings.Join(f.ImageFileGroups, ",") != "DEFAULT,MAX" || f.OutputFileGroup != "FULLTEXT" {
		t.Errorf("unexpected METS defaults: %+v", f)
	}
	if cfg.Download.Timeout != 60*time.Second || cfg.Download.MaxRetries != 3 {
		t.Errorf("unexpected download defaults: %+v", cfg.Download)
	}
	if len(cfg.Server.LocalRoots) != 0 {
		t.Errorf("expected no local roots by default, got %v", cfg.Server.LocalRoots)
	}
	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Errorf("unexpected listen address %s", cfg.Server.Addr())
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		configFile := writeConfig(t, `
fulltext:
  max_concurrent_jobs: 4
  job_timeout: 90s
  placeholder_text: ""
  image_file_groups: [MIN, DEFAULT, MAX]
server:
  local_roots: [/srv/mets]
log:
  level: debug
`)
		mgr, err := NewManager(configFile, testHome(t))
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Fulltext.MaxConcurrentJobs != 4 {
			t.Errorf("expected 4, got %d", cfg.Fulltext.MaxConcurrentJobs)
		}
		if cfg.Fulltext.JobTimeout != 90*time.Second {
			t.Errorf("expected 90s, got %s", cfg.Fulltext.JobTimeout)
		}
		if cfg.Fulltext.PlaceholderText != "" {
			t.Errorf("expected placeholders disabled, got %q", cfg.Fulltext.PlaceholderText)
		}
		if len(cfg.Fulltext.ImageFileGroups) != 3 {
			t.Errorf("expected 3 image groups, got %v", cfg.Fulltext.ImageFileGroups)
		}
		if len(cfg.Server.LocalRoots) != 1 || cfg.Server.LocalRoots[0] != "/srv/mets" {
			t.Errorf("unexpected local roots %v", cfg.Server.LocalRoots)
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("expected debug, got %s", cfg.Log.Level)
		}
		if mgr.ConfigFile() != configFile {
			t.Errorf("expected config file %s, got %s", configFile, mgr.ConfigFile())
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("FULLTEXT_FULLTEXT_MAX_CONCURRENT_JOBS", "7")
		t.Setenv("FULLTEXT_LOG_FORMAT", "json")
		mgr, err := NewManager(writeConfig(t, "fulltext:\n  max_concurrent_jobs: 2\n"), testHome(t))
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if got := mgr.Get().Fulltext.MaxConcurrentJobs; got != 7 {
			t.Errorf("expected 7 from environment, got %d", got)
		}
		if got := mgr.Get().Log.Format; got != "json" {
			t.Errorf("expected json from environment, got %s", got)
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := NewManager(writeConfig(t, "fulltext:\n  max_concurrent_jobs: 0\n"), testHome(t))
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("rejects unreadable file", func(t *testing.T) {
		if _, err := NewManager(writeConfig(t, "fulltext: [unclosed\n"), testHome(t)); err == nil {
			t.Error("expected error for malformed YAML")
		}
	})
}

func TestValidate(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "{}\n"), testHome(t))
	if err != nil {
		t.Fatal(err)
	}
	base := *mgr.Get()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage root", func(c *Config) { c.Fulltext.StorageRoot = "" }},
		{"zero timeout", func(c *Config) { c.Fulltext.JobTimeout = 0 }},
		{"negative delay", func(c *Config) { c.Fulltext.PageDelay = -time.Second }},
		{"relative public url", func(c *Config) { c.Fulltext.PublicBaseURL = "/fulltext" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestManager_Value(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "server:\n  port: \"9090\"\n"), testHome(t))
	if err != nil {
		t.Fatal(err)
	}

	v, err := mgr.Value("server.port")
	if err != nil || v != "9090" {
		t.Errorf("expected 9090, got %v (%v)", v, err)
	}
	if _, err := mgr.Value("server.nope"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for unknown key, got %v", err)
	}
	settings := mgr.Settings()
	if settings["server"].(map[string]any)["port"] != "9090" {
		t.Errorf("unexpected settings %v", settings["server"])
	}
	if _, err := mgr.Value("server/port"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for malformed key, got %v", err)
	}
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "{}\n"), testHome(t))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Register multiple callbacks
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "{}\n"), testHome(t))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Call Get concurrently to verify no race conditions
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.Fulltext.StorageRoot
			}
			done <- struct{}{}
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, "fulltext:\n  max_concurrent_jobs: 1\n")
	mgr, err := NewManager(configFile, testHome(t))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Track callback invocations
	var callbackCount atomic.Int32
	var lastValue atomic.Int64

	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.Fulltext.MaxConcurrentJobs))
	})

	// Start watching
	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("fulltext:\n  max_concurrent_jobs: 3\n"), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	// Wait for the watcher to detect the change (fsnotify is async)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if callbackCount.Load() > 0 && lastValue.Load() == 3 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Fulltext.MaxConcurrentJobs; got != 3 {
		t.Errorf("config not updated: expected 3, got %d", got)
	}
	if v := lastValue.Load(); v != 3 {
		t.Errorf("callback received wrong value: expected 3, got %d", v)
	}
}

func TestWriteDefault(t *testing.T) {
	h := testHome(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteDefault(path, h); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("written config is not YAML: %v", err)
	}
	if parsed["fulltext"]["job_timeout"] != "5m" {
		t.Errorf("expected job_timeout 5m, got %v", parsed["fulltext"]["job_timeout"])
	}

	// The written file loads to the same configuration as the defaults.
	mgr, err := NewManager(path, h)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if mgr.Get().Fulltext.StorageRoot != h.StoragePath() {
		t.Errorf("unexpected storage root %s", mgr.Get().Fulltext.StorageRoot)
	}
}
