package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/syncctl/internal/protocol/session"
)

type cliConfig struct {
	Addresses []string
	Session   session.Config
	Discover  bool
	// Timeout bounds each command, connect included.
	Timeout time.Duration
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Session: session.DefaultConfig(),
		Timeout: 30 * time.Second,
	}
}

type fileConfig struct {
	Address               string   `toml:"address"`
	Addresses             []string `toml:"addresses"`
	StoreDir              string   `toml:"store_dir"`
	MaxPacket             int      `toml:"max_packet"`
	Discover              bool     `toml:"discover"`
	DiscoveryTimeout      string   `toml:"discovery_timeout"`
	Timeout               string   `toml:"timeout"`
	Debug                 bool     `toml:"debug"`
	SecurityMode          string   `toml:"security_mode"`
	TLSMutual             bool     `toml:"tls_mutual"`
	TLSCertFile           string   `toml:"tls_cert_file"`
	TLSKeyFile            string   `toml:"tls_key_file"`
	TLSCAFile             string   `toml:"tls_ca_file"`
	TLSServerName         string   `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool     `toml:"tls_insecure_skip_verify"`
}

// loadCLIConfig starts from defaults and applies only the keys the file
// defines.
func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load syncctl config: %w", err)
	}

	if meta.IsDefined("addresses") {
		cfg.Addresses = normalizeAddresses(raw.Addresses)
	}
	if meta.IsDefined("address") {
		if a := strings.TrimSpace(raw.Address); a != "" {
			cfg.Addresses = append([]string{a}, cfg.Addresses...)
		}
	}
	if meta.IsDefined("store_dir") {
		cfg.Session.StoreDir = strings.TrimSpace(raw.StoreDir)
	}
	if meta.IsDefined("max_packet") {
		if raw.MaxPacket < 255 || raw.MaxPacket > 0xFFFF {
			return cliConfig{}, fmt.Errorf("max_packet out of range: %d", raw.MaxPacket)
		}
		cfg.Session.MaxPacketLength = uint16(raw.MaxPacket)
	}
	if meta.IsDefined("discover") {
		cfg.Discover = raw.Discover
	}
	if meta.IsDefined("discovery_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DiscoveryTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse discovery_timeout: %w", err)
		}
		cfg.Session.DiscoveryTimeout = d
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("debug") {
		cfg.Session.Debug = raw.Debug
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Session.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}

	return cfg, nil
}

func normalizeAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		v := strings.TrimSpace(a)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
