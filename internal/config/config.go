// Package config builds the process configuration from the environment.
// It is constructed once at startup, validated, and passed down; nothing
// re-reads the environment per request.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Network is one transit network served under /transit/{name}.
type Network struct {
	Name       string `validate:"required"`
	FeedURLs   []string
	StopsFile  string
	StaticGTFS string
}

type ServerConfig struct {
	Port int `validate:"gt=0"`
}

type LogConfig struct {
	Level string
}

type AlertsConfig struct {
	URL string `validate:"omitempty,url"`
}

type OutagesConfig struct {
	CurrentURL   string `validate:"omitempty,url"`
	UpcomingURL  string `validate:"omitempty,url"`
	EquipmentURL string `validate:"omitempty,url"`
	APIKey       string
}

type CacheConfig struct {
	TransitTTL time.Duration `validate:"gt=0"`
	AlertsTTL  time.Duration `validate:"gt=0"`
	OutagesTTL time.Duration `validate:"gt=0"`
}

type AccessConfig struct {
	AdminToken string
	ClientKeys []string
	RequireKey bool
	PublicRPM  int           `validate:"gt=0"`
	KeyRPM     int           `validate:"gt=0"`
	AdminRPM   int           `validate:"gt=0"`
	Window     time.Duration `validate:"gt=0"`
}

type KeysConfig struct {
	File      string `validate:"required"`
	ShadowTTL time.Duration
}

// NormalizeConfig carries the empirically chosen presence thresholds. They are
// configurable rather than hard-coded because nothing documents them as
// optimal.
type NormalizeConfig struct {
	DwellSlack   time.Duration `validate:"gt=0"`
	ArrivingSoon time.Duration `validate:"gt=0"`
}

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Networks    []Network `validate:"min=1,dive"`
	Alerts      AlertsConfig
	Outages     OutagesConfig
	Cache       CacheConfig
	Access      AccessConfig
	Keys        KeysConfig
	Normalize   NormalizeConfig
	MetricsAddr string
}

// Network returns the configuration for a named network.
func (c *Config) Network(name string) (Network, bool) {
	for _, n := range c.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return Network{}, false
}

// FeedConfigured reports whether any network has at least one feed URL.
func (c *Config) FeedConfigured() bool {
	for _, n := range c.Networks {
		if len(n.FeedURLs) > 0 {
			return true
		}
	}
	return false
}

func Load() (*Config, error) {
	viper.AutomaticEnv()

	viper.SetDefault("PORT", 8080)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("TRANSIT_NETWORKS", "mta")
	viper.SetDefault("TRANSIT_CACHE_TTL_MS", 5000)
	viper.SetDefault("ALERTS_CACHE_TTL_MS", 30000)
	viper.SetDefault("OUTAGES_CACHE_TTL_MS", 30000)
	viper.SetDefault("TRANSIT_RATE_WINDOW_MS", 60000)
	viper.SetDefault("TRANSIT_PUBLIC_RPM", 60)
	viper.SetDefault("TRANSIT_KEY_RPM", 600)
	viper.SetDefault("ADMIN_RATE_LIMIT", 10)
	viper.SetDefault("API_KEYS_FILE", "data/api-keys.json")
	viper.SetDefault("KEYSTORE_SHADOW_TTL_MS", 5000)
	viper.SetDefault("NORMALIZE_DWELL_SLACK_MS", 60000)
	viper.SetDefault("NORMALIZE_ARRIVING_SOON_MS", 120000)

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("PORT"),
		},
		Log: LogConfig{
			Level: viper.GetString("LOG_LEVEL"),
		},
		Alerts: AlertsConfig{
			URL: viper.GetString("MTA_ALERTS_URL"),
		},
		Outages: OutagesConfig{
			CurrentURL:   viper.GetString("MTA_OUTAGES_CURRENT_URL"),
			UpcomingURL:  viper.GetString("MTA_OUTAGES_UPCOMING_URL"),
			EquipmentURL: viper.GetString("MTA_OUTAGES_EQUIPMENT_URL"),
			APIKey:       viper.GetString("MTA_API_KEY"),
		},
		Cache: CacheConfig{
			TransitTTL: millis("TRANSIT_CACHE_TTL_MS"),
			AlertsTTL:  millis("ALERTS_CACHE_TTL_MS"),
			OutagesTTL: millis("OUTAGES_CACHE_TTL_MS"),
		},
		Access: AccessConfig{
			AdminToken: viper.GetString("ADMIN_API_TOKEN"),
			ClientKeys: splitList(viper.GetString("TRANSIT_CLIENT_KEYS")),
			RequireKey: viper.GetBool("TRANSIT_REQUIRE_API_KEY"),
			PublicRPM:  viper.GetInt("TRANSIT_PUBLIC_RPM"),
			KeyRPM:     viper.GetInt("TRANSIT_KEY_RPM"),
			AdminRPM:   viper.GetInt("ADMIN_RATE_LIMIT"),
			Window:     millis("TRANSIT_RATE_WINDOW_MS"),
		},
		Keys: KeysConfig{
			File:      viper.GetString("API_KEYS_FILE"),
			ShadowTTL: millis("KEYSTORE_SHADOW_TTL_MS"),
		},
		Normalize: NormalizeConfig{
			DwellSlack:   millis("NORMALIZE_DWELL_SLACK_MS"),
			ArrivingSoon: millis("NORMALIZE_ARRIVING_SOON_MS"),
		},
		MetricsAddr: viper.GetString("METRICS_ADDR"),
	}

	for _, name := range splitList(viper.GetString("TRANSIT_NETWORKS")) {
		prefix := strings.ToUpper(name)
		cfg.Networks = append(cfg.Networks, Network{
			Name:       name,
			FeedURLs:   splitList(viper.GetString(prefix + "_FEED_URLS")),
			StopsFile:  viper.GetString(prefix + "_STOPS_FILE"),
			StaticGTFS: viper.GetString(prefix + "_STATIC_GTFS"),
		})
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func millis(key string) time.Duration {
	return time.Duration(viper.GetInt(key)) * time.Millisecond
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
