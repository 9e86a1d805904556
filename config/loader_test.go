package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup. Equivalent of t.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLoaderFindsProjectConfigUpward(t *testing.T) {
	// Empty fake home so the user layer contributes nothing.
	t.Setenv("HOME", t.TempDir())

	root := t.TempDir()
	projectYAML := "scheduler:\n  max_fan_out: 7\n"
	if err := os.WriteFile(filepath.Join(root, "coordinator.yaml"), []byte(projectYAML), 0644); err != nil {
		t.Fatal(err)
	}

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	chdir(t, nested)

	cfg, err := NewLoader(nil).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Scheduler.MaxFanOut != 7 {
		t.Errorf("Scheduler.MaxFanOut = %d, want 7 from project config", cfg.Scheduler.MaxFanOut)
	}
	if cfg.Bus.Stream != "TOOLCALLS" {
		t.Errorf("Bus.Stream = %q, want default retained", cfg.Bus.Stream)
	}
}

func TestLoaderUserLayerBelowProjectLayer(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
		t.Fatal(err)
	}
	userYAML := "bus:\n  call_timeout: 10s\naggregator:\n  strategy: first_success\n"
	if err := os.WriteFile(userPath, []byte(userYAML), 0644); err != nil {
		t.Fatal(err)
	}

	project := t.TempDir()
	projectYAML := "aggregator:\n  strategy: consensus\n"
	if err := os.WriteFile(filepath.Join(project, "coordinator.yaml"), []byte(projectYAML), 0644); err != nil {
		t.Fatal(err)
	}
	chdir(t, project)

	cfg, err := NewLoader(nil).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Aggregator.Strategy != "consensus" {
		t.Errorf("Aggregator.Strategy = %q, want project layer to win", cfg.Aggregator.Strategy)
	}
	if cfg.Bus.CallTimeout != 10*time.Second {
		t.Errorf("Bus.CallTimeout = %v, want user layer value to survive", cfg.Bus.CallTimeout)
	}
}

func TestEnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	l := NewLoader(nil)
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error: %v", err)
	}

	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	if _, err := os.Stat(userPath); err != nil {
		t.Fatalf("user config not written: %v", err)
	}

	// Edits must survive a second call.
	if err := os.WriteFile(userPath, []byte("engine:\n  max_replans: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("second EnsureUserConfig() error: %v", err)
	}
	cfg, err := LoadFromFile(userPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxReplans != 3 {
		t.Errorf("Engine.MaxReplans = %d, existing user config was overwritten", cfg.Engine.MaxReplans)
	}
}
