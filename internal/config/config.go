// Package config loads the tracker configuration from a YAML file with
// environment variable overrides, and watches the file for runtime
// changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/da2ce7/torrust-tracker/internal/tracker"
	"github.com/da2ce7/torrust-tracker/pkg/log"
)

// UDPTracker is one UDP listener endpoint.
type UDPTracker struct {
	BindAddress string `yaml:"bind_address"`
}

// HTTPTracker is one HTTP(S) listener endpoint.
type HTTPTracker struct {
	BindAddress string `yaml:"bind_address"`
	SSLCert     string `yaml:"ssl_cert_path"`
	SSLKey      string `yaml:"ssl_key_path"`
}

// Database configures the persistent store. When disabled, the tracker
// runs fully in memory.
type Database struct {
	Enabled    bool   `yaml:"enabled"`
	ConnString string `yaml:"conn_string"`
}

// HTTPAPI configures the administration API.
type HTTPAPI struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	AccessToken string `yaml:"access_token"`
}

// HealthCheckAPI configures the health-check endpoint.
type HealthCheckAPI struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
}

// Config holds all application configuration.
type Config struct {
	LogDebug bool   `yaml:"log_debug"`
	Mode     string `yaml:"mode"`

	AnnounceIntervalSeconds             int  `yaml:"announce_interval_seconds"`
	MinAnnounceIntervalSeconds          int  `yaml:"min_announce_interval_seconds"`
	MaxPeerAgeSeconds                   int  `yaml:"max_peer_age_seconds"`
	CleanupInactivePeersIntervalSeconds int  `yaml:"cleanup_inactive_peers_interval_seconds"`
	PersistentTorrentCompletedStat      bool `yaml:"persistent_torrent_completed_stat"`
	RemovePeerlessTorrents              bool `yaml:"remove_peerless_torrents"`
	OnReverseProxy                      bool `yaml:"on_reverse_proxy"`

	UDPTrackers  []UDPTracker  `yaml:"udp_trackers"`
	HTTPTrackers []HTTPTracker `yaml:"http_trackers"`

	Database       Database       `yaml:"database"`
	HTTPAPI        HTTPAPI        `yaml:"http_api"`
	HealthCheckAPI HealthCheckAPI `yaml:"health_check_api"`
}

// Default returns the configuration used when no file is present: a
// public tracker on the standard ports with no database.
func Default() *Config {
	return &Config{
		Mode:                                string(tracker.ModePublic),
		AnnounceIntervalSeconds:             120,
		MinAnnounceIntervalSeconds:          120,
		MaxPeerAgeSeconds:                   900,
		CleanupInactivePeersIntervalSeconds: 600,
		RemovePeerlessTorrents:              true,
		UDPTrackers:                         []UDPTracker{{BindAddress: "0.0.0.0:6969"}},
		HTTPTrackers:                        []HTTPTracker{{BindAddress: "0.0.0.0:7070"}},
		HTTPAPI:                             HTTPAPI{Enabled: true, BindAddress: "127.0.0.1:1212"},
		HealthCheckAPI:                      HealthCheckAPI{Enabled: true, BindAddress: "127.0.0.1:1313"},
	}
}

// Load reads the config file (when it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	cfg.loadFromEnv()
	return cfg.Validate(), nil
}

// loadFromEnv applies environment variable overrides. Environment wins
// over the file.
func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("TRACKER_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("TRACKER_API_TOKEN"); v != "" {
		cfg.HTTPAPI.AccessToken = v
	}
	if v := os.Getenv("TRACKER_DB_CONN"); v != "" {
		cfg.Database.Enabled = true
		cfg.Database.ConnString = v
	}
	if v := os.Getenv("TRACKER_ANNOUNCE_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AnnounceIntervalSeconds = n
		}
	}
	if v := os.Getenv("TRACKER_LOG_DEBUG"); v != "" {
		cfg.LogDebug = v == "true" || v == "1" || v == "yes"
	}
}

// Validate replaces invalid values with defaults, warning for each one.
func (cfg *Config) Validate() *Config {
	if !tracker.Mode(cfg.Mode).Valid() {
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "mode",
			"provided": cfg.Mode,
			"default":  string(tracker.ModePublic),
		})
		cfg.Mode = string(tracker.ModePublic)
	}
	if cfg.AnnounceIntervalSeconds <= 0 {
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "announce_interval_seconds",
			"provided": cfg.AnnounceIntervalSeconds,
			"default":  120,
		})
		cfg.AnnounceIntervalSeconds = 120
	}
	if cfg.MinAnnounceIntervalSeconds <= 0 {
		cfg.MinAnnounceIntervalSeconds = cfg.AnnounceIntervalSeconds
	}
	if cfg.MaxPeerAgeSeconds <= 0 {
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "max_peer_age_seconds",
			"provided": cfg.MaxPeerAgeSeconds,
			"default":  900,
		})
		cfg.MaxPeerAgeSeconds = 900
	}
	if cfg.CleanupInactivePeersIntervalSeconds <= 0 {
		cfg.CleanupInactivePeersIntervalSeconds = 600
	}
	return cfg
}

// TrackerSettings converts the interval knobs into core settings.
func (cfg *Config) TrackerSettings() tracker.Settings {
	return tracker.Settings{
		AnnounceInterval:    time.Duration(cfg.AnnounceIntervalSeconds) * time.Second,
		MinAnnounceInterval: time.Duration(cfg.MinAnnounceIntervalSeconds) * time.Second,
		MaxPeerAge:          time.Duration(cfg.MaxPeerAgeSeconds) * time.Second,
		CleanupInterval:     time.Duration(cfg.CleanupInactivePeersIntervalSeconds) * time.Second,
		PersistCompleted:    cfg.Database.Enabled && cfg.PersistentTorrentCompletedStat,
		RemovePeerless:      cfg.RemovePeerlessTorrents,
	}
}
