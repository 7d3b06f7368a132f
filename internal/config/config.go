package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Assistant  AssistantConfig  `toml:"assistant"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Database   DatabaseConfig   `toml:"database"`
	Container  ContainerConfig  `toml:"container"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Tools      ToolsConfig      `toml:"tools"`
}

type AssistantConfig struct {
	// Name is the display name prefixed to outbound replies, e.g. "bhai".
	Name string `toml:"name"`
	// DataDir holds registered_groups.json, sessions.json, router_state.json,
	// the IPC tree, and snapshots.
	DataDir string `toml:"data_dir"`
	// GroupsDir holds per-group workspaces (groups/<folder>).
	GroupsDir string `toml:"groups_dir"`
	// ProjectRoot is mounted read-write into the main group's container.
	ProjectRoot string `toml:"project_root"`
}

type BridgeConfig struct {
	// URL of the WhatsApp bridge WebSocket.
	URL string `toml:"url"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type ContainerConfig struct {
	Image string `toml:"image"`
	// TimeoutSeconds bounds a single agent run.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// MemoryMB is the container memory limit.
	MemoryMB int `toml:"memory_mb"`
	// MaxOutputBytes caps captured stdout; runs exceeding it are killed.
	MaxOutputBytes int `toml:"max_output_bytes"`
	// Env lists host environment variable names passed through to the agent.
	Env []string `toml:"env"`
}

type EmbeddingsConfig struct {
	Endpoint   string `toml:"endpoint"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type SchedulerConfig struct {
	// Timezone for cron expressions, e.g. "Asia/Kolkata".
	Timezone string `toml:"timezone"`
}

type ToolsConfig struct {
	// SugarProjectsPath is the external-tool project registry.
	SugarProjectsPath string `toml:"sugar_projects_path"`
	// GithubBin and SugarBin are the external CLI binaries invoked by
	// github_* and sugar_* tool payloads.
	GithubBin string `toml:"github_bin"`
	SugarBin  string `toml:"sugar_bin"`
	// TranscriptBin fetches video transcripts for KB ingestion. Empty
	// disables video sources.
	TranscriptBin string `toml:"transcript_bin"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Assistant: AssistantConfig{
			Name:        "Assistant",
			DataDir:     "data",
			GroupsDir:   "groups",
			ProjectRoot: ".",
		},
		Bridge:   BridgeConfig{URL: "ws://localhost:8765"},
		Database: DatabaseConfig{Path: filepath.Join("store", "majordomo.db")},
		Container: ContainerConfig{
			Image:          "majordomo-agent:latest",
			TimeoutSeconds: 300,
			MemoryMB:       2048,
			MaxOutputBytes: 10 << 20,
		},
		Embeddings: EmbeddingsConfig{
			Endpoint:   "http://localhost:8199/v1/embeddings",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
		Tools: ToolsConfig{
			SugarProjectsPath: filepath.Join("data", "sugar-projects.json"),
			GithubBin:         "gh-review",
			SugarBin:          "sugar",
			TranscriptBin:     "transcript-fetch",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "majordomo.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("MAJORDOMO_ASSISTANT_NAME"); v != "" {
		cfg.Assistant.Name = v
	}
	if v := os.Getenv("MAJORDOMO_BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := os.Getenv("MAJORDOMO_CONTAINER_IMAGE"); v != "" {
		cfg.Container.Image = v
	}
	if v := os.Getenv("MAJORDOMO_EMBEDDINGS_ENDPOINT"); v != "" {
		cfg.Embeddings.Endpoint = v
	}
	if v := os.Getenv("MAJORDOMO_EMBEDDINGS_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := os.Getenv("MAJORDOMO_TIMEZONE"); v != "" {
		cfg.Scheduler.Timezone = v
	}

	return cfg
}

// Validate reports fatal configuration errors. The caller should exit
// non-zero when it returns one.
func (c Config) Validate() error {
	if c.Assistant.Name == "" {
		return fmt.Errorf("assistant.name must not be empty")
	}
	if c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url must not be empty")
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image must not be empty")
	}
	return nil
}

// MountAllowlistPath is the mount security file. It lives outside the
// project root and is never mounted into any sandbox.
func MountAllowlistPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, ".config", "majordomo", "mount-allowlist.json")
}
