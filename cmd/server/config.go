package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// Config holds all runtime configuration. Environment variables (SHOWOFF_*)
// set the defaults, flags override them.
type Config struct {
	ControlAddr   string `envconfig:"CONTROL_ADDR" default:":9000"`
	PublicAddr    string `envconfig:"PUBLIC_ADDR" default:":8080"`
	PublicTLSAddr string `envconfig:"PUBLIC_TLS_ADDR"`
	MetricsAddr   string `envconfig:"METRICS_ADDR" default:":9100"`
	Token         string `envconfig:"TOKEN"`
	BaseDomain    string `envconfig:"DOMAIN" default:"localhost"`

	// advertised in listener URLs
	HTTPScheme string `envconfig:"HTTP_SCHEME" default:"http"`
	HTTPPort   int    `envconfig:"HTTP_PORT"`
	TLSPort    int    `envconfig:"TLS_PORT"`
	TCPHost    string `envconfig:"TCP_HOST" default:"localhost"`
	TCPBind    string `envconfig:"TCP_BIND" default:"0.0.0.0"`

	MaxHeaderSize    int           `envconfig:"MAX_HEADER_SIZE" default:"32768"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"30s"`
	AddXFF           bool          `envconfig:"ADD_XFF" default:"true"`

	GlobalConnRate int `envconfig:"GLOBAL_CONN_RATE"`
	ConnRate       int `envconfig:"CONN_RATE"`
	GlobalReqRate  int `envconfig:"GLOBAL_REQ_RATE"`
	ReqRate        int `envconfig:"REQ_RATE"`
	RateBurst      int `envconfig:"RATE_BURST" default:"20"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`

	// TLS for the control listener, mTLS when a CA is set
	EnableTLS   bool   `envconfig:"TLS"`
	TLSCertFile string `envconfig:"TLS_CERT"`
	TLSKeyFile  string `envconfig:"TLS_KEY"`
	TLSCAFile   string `envconfig:"TLS_CA"`

	Debug   bool   `envconfig:"DEBUG"`
	LogFile string `envconfig:"LOG_FILE"`
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("SHOWOFF", &cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	fs := pflag.NewFlagSet("showoff-server", pflag.ContinueOnError)
	fs.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "address for agent control connections")
	fs.StringVar(&cfg.PublicAddr, "public", cfg.PublicAddr, "public HTTP listener address")
	fs.StringVar(&cfg.PublicTLSAddr, "public-tls", cfg.PublicTLSAddr, "public TLS (SNI routed) listener address; empty disables tls listeners")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics, health, state API and websocket tunnel address")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "shared secret token; if set agents must provide a matching authtoken")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "base wildcard domain (e.g. example.com) for generated hostnames")
	fs.StringVar(&cfg.HTTPScheme, "http-scheme", cfg.HTTPScheme, "scheme advertised in http listener URLs")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "port advertised in http listener URLs (0 omits it)")
	fs.IntVar(&cfg.TLSPort, "tls-port", cfg.TLSPort, "port advertised in tls listener URLs (0 omits it)")
	fs.StringVar(&cfg.TCPHost, "tcp-host", cfg.TCPHost, "host advertised in tcp listener URLs")
	fs.StringVar(&cfg.TCPBind, "tcp-bind", cfg.TCPBind, "interface tcp listeners are opened on")
	fs.IntVar(&cfg.MaxHeaderSize, "max-header-size", cfg.MaxHeaderSize, "maximum allowed initial HTTP header bytes")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time limit for agent auth and public request heads")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "interval for sweeping rate limit state of closed listeners")
	fs.BoolVar(&cfg.AddXFF, "add-xff", cfg.AddXFF, "append X-Forwarded-For header with original client IP")
	fs.IntVar(&cfg.GlobalConnRate, "global-conn-rate", cfg.GlobalConnRate, "public connections per second across all listeners (0 = unlimited)")
	fs.IntVar(&cfg.ConnRate, "conn-rate", cfg.ConnRate, "public connections per second per listener (0 = unlimited)")
	fs.IntVar(&cfg.GlobalReqRate, "global-req-rate", cfg.GlobalReqRate, "HTTP requests per second across all listeners (0 = unlimited)")
	fs.IntVar(&cfg.ReqRate, "req-rate", cfg.ReqRate, "HTTP requests per second per listener (0 = unlimited)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "burst size of every rate limit")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for shared state between relay instances")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
	fs.BoolVar(&cfg.EnableTLS, "tls", cfg.EnableTLS, "enable TLS for control connections")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file path")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "TLS CA file for client certificate verification (enables mTLS)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write logs to this file, rotated by size")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.EnableTLS && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("--tls needs --tls-cert and --tls-key")
	}
	return &cfg, nil
}
