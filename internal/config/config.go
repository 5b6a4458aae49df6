// Package config handles hisense-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/hisense-bridge/config.yaml,
// /etc/hisense-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hisense-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/hisense-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all hisense-bridge configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	TVs       []TVConfig   `yaml:"tvs"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the status API server settings. Port 0 disables
// the server.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the broker connection and the topics the bridge
// itself owns.
type MQTTConfig struct {
	// Broker is the broker URL: mqtt://, tcp://, mqtts:// or ssl://.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// DiscoveryPrefix is the Home Assistant MQTT discovery prefix.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// BaseTopic prefixes the bridge's own state, command and
	// availability topics.
	BaseTopic string `yaml:"base_topic"`
	// RateLimitPerMinute caps inbound messages; excess is dropped.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// TVConfig describes one television.
type TVConfig struct {
	Name      string `yaml:"name"`
	MAC       string `yaml:"mac"`
	IPAddress string `yaml:"ip_address"` // magic packet target; broadcast when empty
	MQTTIn    string `yaml:"mqtt_in"`
	MQTTOut   string `yaml:"mqtt_out"`
	UniqueID  string `yaml:"unique_id"` // derived from the MAC when empty
	ClientID  string `yaml:"client_id"` // remote client name, default HomeAssistant
	WOLPort   int    `yaml:"wol_port"`
}

// Load reads configuration from a YAML file. Variables from a .env file
// next to the config are loaded first (a missing file is ignored), then
// ${VAR} references are expanded from the environment. Defaults are
// applied and the result validated.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from path without overriding
// variables already set. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8086},
		DataDir: "./data",
		MQTT: MQTTConfig{
			DiscoveryPrefix:    "homeassistant",
			BaseTopic:          "hisense",
			RateLimitPerMinute: 600,
		},
	}
}

// applyDefaults expands ~ in data_dir and fills per-TV fields that YAML
// left empty.
func (c *Config) applyDefaults() {
	c.DataDir = expandHome(c.DataDir)
	for i := range c.TVs {
		tv := &c.TVs[i]
		if tv.WOLPort == 0 {
			tv.WOLPort = 9
		}
		if tv.MQTTOut == "" {
			tv.MQTTOut = tv.MQTTIn
		}
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if !c.MQTT.Configured() {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
	} else {
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q is not supported", u.Scheme))
		}
	}
	if c.MQTT.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("mqtt.rate_limit_per_minute must not be negative"))
	}

	if len(c.TVs) == 0 {
		errs = append(errs, errors.New("at least one entry in tvs is required"))
	}
	seen := make(map[string]bool)
	for i, tv := range c.TVs {
		label := tv.Name
		if label == "" {
			label = fmt.Sprintf("tvs[%d]", i)
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		}
		if _, err := net.ParseMAC(tv.MAC); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid mac %q", label, tv.MAC))
		}
		if tv.MQTTIn == "" {
			errs = append(errs, fmt.Errorf("%s: mqtt_in is required", label))
		}
		if tv.IPAddress != "" && net.ParseIP(tv.IPAddress) == nil {
			errs = append(errs, fmt.Errorf("%s: ip_address %q is not an IP address", label, tv.IPAddress))
		}
		if strings.Contains(tv.ClientID, "/") {
			errs = append(errs, fmt.Errorf("%s: client_id must be a single topic level", label))
		}
		if tv.UniqueID != "" {
			if seen[tv.UniqueID] {
				errs = append(errs, fmt.Errorf("%s: duplicate unique_id %q", label, tv.UniqueID))
			}
			seen[tv.UniqueID] = true
		}
	}

	return errors.Join(errs...)
}
