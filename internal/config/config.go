// Package config loads node configuration from a YAML file. Command-line
// flags are applied on top by the binaries.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/1ureka.net.carrier/internal/errcode"
	"github.com/1ureka/1ureka.net.carrier/internal/wire"
)

// Bootstrap is a relay server the node can join the network through.
type Bootstrap struct {
	IPv4 string `yaml:"ipv4"`
	IPv6 string `yaml:"ipv6"`
	Port int    `yaml:"port"`
	// Address is the relay operator's published id. Informational.
	Address string `yaml:"address"`
	TLS     bool   `yaml:"tls"`
}

// Host returns the IPv4 host if set, otherwise the IPv6 one.
func (b Bootstrap) Host() string {
	if b.IPv4 != "" {
		return b.IPv4
	}
	return b.IPv6
}

// Config holds everything a node needs to start.
type Config struct {
	// PersistentLocation is the directory holding the node's state file.
	PersistentLocation string `yaml:"persistent_location"`

	// UDPEnabled allows UDP ICE candidates for session links.
	UDPEnabled bool `yaml:"udp_enabled"`

	Bootstraps []Bootstrap `yaml:"bootstraps"`

	// RelayURL, when set, is used instead of the bootstrap list.
	RelayURL string `yaml:"relay_url"`

	// ICEServers are STUN/TURN URLs for session links.
	ICEServers []string `yaml:"ice_servers"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	InviteTimeout  time.Duration `yaml:"invite_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Profile seeds the self info of a freshly created identity.
	Profile wire.UserInfo `yaml:"profile"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		PersistentLocation: filepath.Join(home, ".carrier"),
		UDPEnabled:         true,
		PollInterval:       time.Second,
		InviteTimeout:      30 * time.Second,
		SessionTimeout:     60 * time.Second,
		LogLevel:           "info",
	}
}

// LoadFile reads path over the defaults and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errcode.Wrap(errcode.ErrInvalidArgs, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.PersistentLocation == "" {
		errs = append(errs, errcode.New(errcode.ErrInvalidArgs, "persistent_location is required"))
	}
	if c.RelayURL == "" && len(c.Bootstraps) == 0 {
		errs = append(errs, errcode.New(errcode.ErrInvalidArgs, "relay_url or bootstraps is required"))
	}
	for i, b := range c.Bootstraps {
		if b.Host() == "" {
			errs = append(errs, errcode.WithCode(errcode.ErrInvalidArgs, errcode.BadBootstrapHost, "bootstraps[%d]: no host", i))
		} else if b.IPv4 != "" && net.ParseIP(b.IPv4) == nil && !validHostname(b.IPv4) {
			errs = append(errs, errcode.WithCode(errcode.ErrInvalidArgs, errcode.BadBootstrapHost, "bootstraps[%d]: bad host %q", i, b.IPv4))
		}
		if b.Port < 1 || b.Port > 65535 {
			errs = append(errs, errcode.WithCode(errcode.ErrInvalidArgs, errcode.BadBootstrapPort, "bootstraps[%d]: port %d", i, b.Port))
		}
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errcode.New(errcode.ErrInvalidArgs, "poll_interval must be positive"))
	}
	if c.InviteTimeout <= 0 || c.SessionTimeout <= 0 {
		errs = append(errs, errcode.New(errcode.ErrInvalidArgs, "timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// RelayURLs lists the relay endpoints to try, in order.
func (c *Config) RelayURLs(path string) []string {
	if c.RelayURL != "" {
		return []string{c.RelayURL}
	}
	urls := make([]string, 0, len(c.Bootstraps))
	for _, b := range c.Bootstraps {
		scheme := "ws"
		if b.TLS {
			scheme = "wss"
		}
		urls = append(urls, scheme+"://"+net.JoinHostPort(b.Host(), strconv.Itoa(b.Port))+path)
	}
	return urls
}

// StatePath is the location of the node's state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.PersistentLocation, "carrier.state")
}

func validHostname(h string) bool {
	if len(h) == 0 || len(h) > 253 {
		return false
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
