package session

import (
	"strings"
	"time"
)

// SecurityMode selects how strictly bridge transport settings are validated.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig applies to tls:// bridge addresses only; RFCOMM links carry
// their own authenticate/encrypt options inside the address.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines per-service link defaults.
type Config struct {
	// ReadBufferSize bounds one transport read on a streaming session.
	ReadBufferSize int
	// MaxPacketLength is the OBEX packet size offered on connect.
	MaxPacketLength uint16
	// StoreDir receives files fetched with GetFile.
	StoreDir string
	// ListenAddr is the streaming listener address.
	ListenAddr string
	// DiscoveryTimeout bounds one peer lookup when no address is configured.
	DiscoveryTimeout time.Duration
	// AcceptBackoff paces listener retries after transient accept errors.
	AcceptBackoff BackoffConfig
	SecurityMode  SecurityMode
	TLS           TLSConfig
	// Debug enables payload-level logging.
	Debug bool
}

// DefaultConfig returns link defaults.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:   1024,
		MaxPacketLength:  0x2000,
		StoreDir:         ".",
		ListenAddr:       "btspp://localhost:1",
		DiscoveryTimeout: 5 * time.Second,
		AcceptBackoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.MaxPacketLength < 255 {
		c.MaxPacketLength = def.MaxPacketLength
	}
	if strings.TrimSpace(c.StoreDir) == "" {
		c.StoreDir = def.StoreDir
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if c.AcceptBackoff.InitialDelay <= 0 {
		c.AcceptBackoff = def.AcceptBackoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
