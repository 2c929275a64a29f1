package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Router RouterRuntimeConfig `toml:"router"`
	Queue  QueueConfig         `toml:"queue"`
	Raw    map[string]any      `toml:"-"`
	Path   string              `toml:"-"`
}

type RouterRuntimeConfig struct {
	Addr                  string `toml:"addr"`
	DBPath                string `toml:"db_path"`
	ManagerChatID         int64  `toml:"manager_chat_id"`
	EscalationChannelID   int64  `toml:"escalation_channel_id"`
	ApplicationsChannelID int64  `toml:"applications_channel_id"`
	KnowledgeChannelID    int64  `toml:"knowledge_channel_id"`
	TechnicalChatID       int64  `toml:"technical_chat_id"`
	SLATimeoutMinutes     int    `toml:"sla_timeout_minutes"`
	SLACheckIntervalMS    int    `toml:"sla_check_interval_ms"`
	ReconcileIntervalMS   int    `toml:"reconcile_interval_ms"`
	ReconcileWindowHours  int    `toml:"reconcile_window_hours"`
	ReconcileBatchLimit   int    `toml:"reconcile_batch_limit"`
	HistoryChunkSize      int    `toml:"history_chunk_size"`
	HistoryChunkDelayMS   int    `toml:"history_chunk_delay_ms"`
	ReconcileProbeDelayMS int    `toml:"reconcile_probe_delay_ms"`
	SurfaceBaseURL        string `toml:"surface_base_url"`
}

type QueueConfig struct {
	URL        string `toml:"url"`
	Exchange   string `toml:"exchange"`
	RoutingKey string `toml:"routing_key"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dialog_router/config.toml"
	}
	return filepath.Join(home, ".dialog_router", "config.toml")
}
