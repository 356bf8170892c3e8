package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Relay     RelayConfig
	Devices   DevicesConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	TLS             TLSConfig
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

// TLSConfig holds the certificate pair for secure transport termination.
// Both paths empty means plain HTTP.
type TLSConfig struct {
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

// AuthConfig enables the optional JWT gate on the upgrade handler. An empty
// secret disables it; device authorization always goes through the
// allowlist regardless.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// RelayConfig tunes the server-side relay.
type RelayConfig struct {
	ProbeInterval time.Duration `mapstructure:"probeInterval"`
}

// DevicesConfig selects the allowlist source: an inline list, or a
// newline-separated file re-read on a TTL.
type DevicesConfig struct {
	Allowlist     []string      `mapstructure:"allowlist"`
	AllowlistFile string        `mapstructure:"allowlistFile"`
	CacheTTL      time.Duration `mapstructure:"cacheTTL"`
}

type LogConfig struct {
	Level string
}
