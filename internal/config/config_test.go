package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Assistant.Name == "" || cfg.Bridge.URL == "" || cfg.Container.Image == "" {
		t.Fatalf("defaults incomplete: %+v", cfg)
	}
	if cfg.Container.TimeoutSeconds != 300 || cfg.Container.MaxOutputBytes != 10<<20 {
		t.Errorf("container defaults = %+v", cfg.Container)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadTOMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "majordomo.toml")
	doc := `
[assistant]
name = "bhai"
data_dir = "/srv/majordomo/data"

[container]
image = "agent:v2"
memory_mb = 4096

[scheduler]
timezone = "Asia/Kolkata"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Assistant.Name != "bhai" || cfg.Assistant.DataDir != "/srv/majordomo/data" {
		t.Errorf("assistant = %+v", cfg.Assistant)
	}
	if cfg.Container.Image != "agent:v2" || cfg.Container.MemoryMB != 4096 {
		t.Errorf("container = %+v", cfg.Container)
	}
	if cfg.Scheduler.Timezone != "Asia/Kolkata" {
		t.Errorf("timezone = %q", cfg.Scheduler.Timezone)
	}
	// untouched sections keep their defaults
	if cfg.Bridge.URL != Default().Bridge.URL {
		t.Errorf("bridge url = %q", cfg.Bridge.URL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "majordomo.toml")
	if err := os.WriteFile(path, []byte("[assistant]\nname = \"from-file\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAJORDOMO_ASSISTANT_NAME", "from-env")
	t.Setenv("MAJORDOMO_BRIDGE_URL", "ws://bridge:9000")

	cfg := Load(path)
	if cfg.Assistant.Name != "from-env" {
		t.Errorf("name = %q, env must win", cfg.Assistant.Name)
	}
	if cfg.Bridge.URL != "ws://bridge:9000" {
		t.Errorf("bridge url = %q", cfg.Bridge.URL)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Assistant.Name != Default().Assistant.Name {
		t.Errorf("missing file changed defaults: %+v", cfg.Assistant)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Assistant.Name = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty assistant name accepted")
	}

	cfg = Default()
	cfg.Container.Image = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty container image accepted")
	}
}

func TestMountAllowlistPath(t *testing.T) {
	p := MountAllowlistPath()
	if !filepath.IsAbs(p) {
		t.Fatalf("allowlist path %q is not absolute", p)
	}
	if filepath.Base(p) != "mount-allowlist.json" {
		t.Errorf("allowlist path = %q", p)
	}
}
