// Package config loads the syncd daemon file. TOML and YAML are both
// accepted; the format is picked by file extension.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/syncctl/internal/live"
	"github.com/danmuck/syncctl/internal/protocol/session"
	"github.com/danmuck/syncctl/internal/transport"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

type DaemonConfig struct {
	Name        string   `toml:"name" yaml:"name"`
	HTTPAddr    string   `toml:"http_addr" yaml:"http_addr"`
	CorsOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	Debug       bool     `toml:"debug" yaml:"debug"`
	// AuthToken, when set, is required on every API route but /health
	// and /metrics.
	AuthToken string       `toml:"auth_token" yaml:"auth_token"`
	Stream    StreamConfig `toml:"stream" yaml:"stream"`
	TLS       TLSConfig    `toml:"tls" yaml:"tls"`
	Live      LiveConfig   `toml:"live" yaml:"live"`
}

type StreamConfig struct {
	Addresses        []string `toml:"addresses" yaml:"addresses"`
	Listen           string   `toml:"listen" yaml:"listen"`
	ReadBuffer       int      `toml:"read_buffer" yaml:"read_buffer"`
	Discover         bool     `toml:"discover" yaml:"discover"`
	DiscoveryTimeout string   `toml:"discovery_timeout" yaml:"discovery_timeout"`
	// Announce advertises the listener over mDNS when it is a tcp:// or
	// tls:// address.
	Announce bool `toml:"announce" yaml:"announce"`
}

type TLSConfig struct {
	SecurityMode       string `toml:"security_mode" yaml:"security_mode"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type LiveConfig struct {
	CaptureRate  float64 `toml:"capture_rate" yaml:"capture_rate"`
	CaptureBurst int     `toml:"capture_burst" yaml:"capture_burst"`
	MaxClients   int     `toml:"max_clients" yaml:"max_clients"`
}

// Load reads path, fills defaults and validates the result.
func Load(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func (c *DaemonConfig) applyDefaults() {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "syncd"
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = ":8090"
	}
	if strings.TrimSpace(c.Stream.Listen) == "" {
		c.Stream.Listen = session.DefaultConfig().ListenAddr
	}
	def := live.DefaultConfig()
	if c.Live.CaptureRate <= 0 {
		c.Live.CaptureRate = float64(def.CaptureRate)
	}
	if c.Live.CaptureBurst <= 0 {
		c.Live.CaptureBurst = def.CaptureBurst
	}
	if c.Live.MaxClients <= 0 {
		c.Live.MaxClients = def.MaxClients
	}
}

func Validate(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return fmt.Errorf("%w: http_addr is required", ErrInvalid)
	}
	for i, a := range cfg.Stream.Addresses {
		if _, err := transport.ParseAddress(a); err != nil {
			return fmt.Errorf("%w: stream.addresses[%d]: %v", ErrInvalid, i, err)
		}
	}
	listen, err := transport.ParseAddress(cfg.Stream.Listen)
	if err != nil {
		return fmt.Errorf("%w: stream.listen: %v", ErrInvalid, err)
	}
	if cfg.Stream.ReadBuffer < 0 {
		return fmt.Errorf("%w: stream.read_buffer must not be negative", ErrInvalid)
	}
	if _, err := parseDuration(cfg.Stream.DiscoveryTimeout); err != nil {
		return fmt.Errorf("%w: stream.discovery_timeout: %v", ErrInvalid, err)
	}
	sc, err := cfg.Session()
	if err != nil {
		return err
	}
	if listen.Scheme == transport.SchemeTLS {
		if err := sc.ValidateListenTransport(); err != nil {
			return fmt.Errorf("%w: tls: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Session maps the file onto the link settings the services take.
func (c DaemonConfig) Session() (session.Config, error) {
	timeout, err := parseDuration(c.Stream.DiscoveryTimeout)
	if err != nil {
		return session.Config{}, fmt.Errorf("%w: stream.discovery_timeout: %v", ErrInvalid, err)
	}
	sc := session.Config{
		ReadBufferSize:   c.Stream.ReadBuffer,
		ListenAddr:       c.Stream.Listen,
		DiscoveryTimeout: timeout,
		SecurityMode:     session.SecurityMode(c.TLS.SecurityMode),
		TLS: session.TLSConfig{
			Enabled:            strings.HasPrefix(strings.ToLower(strings.TrimSpace(c.Stream.Listen)), transport.SchemeTLS+"://"),
			Mutual:             c.TLS.Mutual,
			CertFile:           c.TLS.CertFile,
			KeyFile:            c.TLS.KeyFile,
			CAFile:             c.TLS.CAFile,
			ServerName:         c.TLS.ServerName,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		},
		Debug: c.Debug,
	}
	return sc.WithDefaults(), nil
}

// LiveHub maps the [live] table onto the hub settings.
func (c DaemonConfig) LiveHub() live.Config {
	return live.Config{
		CaptureRate:  rate.Limit(c.Live.CaptureRate),
		CaptureBurst: c.Live.CaptureBurst,
		MaxClients:   c.Live.MaxClients,
	}
}

func parseDuration(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(raw))
}
