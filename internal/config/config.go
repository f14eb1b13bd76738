// Package config holds the rtpmidid daemon configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config stores the daemon parameters, loaded from a YAML file and
// overridable by CLI flags.
type Config struct {
	// Name is both the display and the bonjour name of the session.
	Name string `yaml:"name"`
	// Port is the even AppleMIDI control port.
	Port int `yaml:"port"`
	// Published enables mDNS advertisement.
	Published bool `yaml:"published"`
	// IPVersion selects the socket family, 4 or 6.
	IPVersion int `yaml:"ip_version"`
	// StorePath is the JSON session store; empty disables persistence.
	StorePath string `yaml:"store_path"`
	// Connect lists remote control endpoints (host:port) to dial at startup.
	Connect []string `yaml:"connect"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Default returns the daemon defaults: an advertised session on the
// standard AppleMIDI port.
func Default() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "rtpmidid"
	}
	return Config{
		Name:      hostname,
		Port:      5004,
		Published: true,
		IPVersion: 4,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the session layer cannot bind.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65534 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Port%2 != 0 {
		return fmt.Errorf("port %d must be even (the data channel uses port+1)", c.Port)
	}
	if c.IPVersion != 4 && c.IPVersion != 6 {
		return fmt.Errorf("ip_version must be 4 or 6, got %d", c.IPVersion)
	}
	if c.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	return nil
}
