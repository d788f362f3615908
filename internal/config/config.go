package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Backend string

const (
	BackendProxmox Backend = "proxmox"
	BackendLibvirt Backend = "libvirt"

	DefaultConfigPath  = "/etc/guest-watchdog/config.yaml"
	DefaultEventMethod = "/watchdog.events.v1.EventService/StreamEvents"
)

// Config holds process settings. Machines live in the file at ConfigPath.
type Config struct {
	ConfigPath         string
	AgentID            string
	Backend            Backend
	TickInterval       time.Duration
	StatusListenAddr   string
	ShutdownTimeout    time.Duration
	LogLevel           string
	LogJSON            bool
	LibvirtURI         string
	ReconnectInterval  time.Duration
	MaxReconnectJitter time.Duration
	HealthInterval     time.Duration
	APIRateLimit       float64
	EventGRPCAddr      string
	EventGRPCMethod    string
	EventToken         string
	TLSEnabled         bool
	TLSSkipVerify      bool
	TLSCAPath          string
	TLSCertPath        string
	TLSKeyPath         string
}

func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	cfg := Config{
		ConfigPath:         env("WATCHDOG_CONFIG", DefaultConfigPath),
		AgentID:            env("WATCHDOG_AGENT_ID", hostname),
		Backend:            Backend(strings.ToLower(env("WATCHDOG_BACKEND", string(BackendProxmox)))),
		TickInterval:       envDuration("WATCHDOG_TICK_INTERVAL", 5*time.Second),
		StatusListenAddr:   env("WATCHDOG_STATUS_ADDR", "127.0.0.1:9187"),
		ShutdownTimeout:    envDuration("WATCHDOG_SHUTDOWN_TIMEOUT", 20*time.Second),
		LogLevel:           strings.ToLower(env("WATCHDOG_LOG_LEVEL", "info")),
		LogJSON:            envBool("WATCHDOG_LOG_JSON", false),
		LibvirtURI:         env("WATCHDOG_LIBVIRT_URI", "qemu:///system"),
		ReconnectInterval:  envDuration("WATCHDOG_RECONNECT_INTERVAL", 4*time.Second),
		MaxReconnectJitter: envDuration("WATCHDOG_RECONNECT_MAX_JITTER", 900*time.Millisecond),
		HealthInterval:     envDuration("WATCHDOG_HEALTH_INTERVAL", 10*time.Second),
		APIRateLimit:       envFloat("WATCHDOG_API_RATE_LIMIT", 0),
		EventGRPCAddr:      env("WATCHDOG_EVENT_GRPC_ADDR", ""),
		EventGRPCMethod:    env("WATCHDOG_EVENT_GRPC_METHOD", DefaultEventMethod),
		EventToken:         env("WATCHDOG_EVENT_TOKEN", ""),
		TLSEnabled:         envBool("WATCHDOG_TLS_ENABLED", false),
		TLSSkipVerify:      envBool("WATCHDOG_TLS_SKIP_VERIFY", false),
		TLSCAPath:          env("WATCHDOG_TLS_CA_PATH", ""),
		TLSCertPath:        env("WATCHDOG_TLS_CERT_PATH", ""),
		TLSKeyPath:         env("WATCHDOG_TLS_KEY_PATH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ConfigPath) == "" {
		return errors.New("WATCHDOG_CONFIG is required")
	}
	switch c.Backend {
	case BackendProxmox, BackendLibvirt:
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	if c.TickInterval <= 0 {
		return errors.New("WATCHDOG_TICK_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("WATCHDOG_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.Backend == BackendLibvirt {
		if c.LibvirtURI == "" {
			return errors.New("WATCHDOG_LIBVIRT_URI is required for libvirt backend")
		}
		if c.HealthInterval <= 0 {
			return errors.New("WATCHDOG_HEALTH_INTERVAL must be > 0")
		}
	}
	if c.APIRateLimit < 0 {
		return errors.New("WATCHDOG_API_RATE_LIMIT must be >= 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	if c.EventGRPCAddr != "" && strings.TrimSpace(c.EventGRPCMethod) == "" {
		return errors.New("WATCHDOG_EVENT_GRPC_METHOD is required when the event stream is enabled")
	}
	return nil
}

// TLSConfig is the client TLS setup for the event stream, nil when TLS is off.
func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify} //nolint:gosec
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
