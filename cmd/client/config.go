package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds client runtime configuration. Environment variables
// (SHOWOFF_*) set the defaults, flags override them.
type Config struct {
	ServerAddr  string        `envconfig:"SERVER_ADDR"`
	Host        string        `envconfig:"HOST" default:"show.knatofs.se"` // convenience host to derive the server address from
	Token       string        `envconfig:"AUTHTOKEN"`
	Metadata    string        `envconfig:"METADATA"`
	RootCAs     string        `envconfig:"ROOT_CAS"`
	Format      string        `envconfig:"FORMAT" default:"json"`
	Target      string        `envconfig:"TARGET" default:"127.0.0.1:3000"`
	Proto       string        `envconfig:"PROTO" default:"http"`
	Domain      string        `envconfig:"DOMAIN"`
	TunnelsFile string        `envconfig:"TUNNELS_FILE"`
	MetricsAddr string        `envconfig:"METRICS_ADDR"`
	GracePeriod time.Duration `envconfig:"GRACE_PERIOD" default:"0s"`
	Debug       bool          `envconfig:"DEBUG"`
	LogFile     string        `envconfig:"LOG_FILE"`
}

// tunnelSpec is one tunnel of the tunnels file. options uses the loose
// option keys (domain, basic_auth, allow_cidr, ...).
type tunnelSpec struct {
	Addr    any            `yaml:"addr"`
	Proto   string         `yaml:"proto"`
	Options map[string]any `yaml:"options"`
}

type tunnelsFile struct {
	ServerAddr string       `yaml:"server_addr"`
	Authtoken  string       `yaml:"authtoken"`
	Metadata   string       `yaml:"metadata"`
	Tunnels    []tunnelSpec `yaml:"tunnels"`
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("SHOWOFF", &cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	fs := pflag.NewFlagSet("showoff", pflag.ContinueOnError)
	fs.StringVar(&cfg.ServerAddr, "server", cfg.ServerAddr, "relay address: host:port, tls://, ws:// or wss://")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "base host; if set and --server not provided, the relay is host:9000")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "authtoken")
	fs.StringVar(&cfg.Metadata, "metadata", cfg.Metadata, "session metadata")
	fs.StringVar(&cfg.RootCAs, "root-cas", cfg.RootCAs, "\"trusted\" or a PEM file used to verify a TLS relay")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "control stream encoding: json or cbor")
	fs.StringVarP(&cfg.Target, "target", "t", cfg.Target, "local address to expose")
	fs.StringVarP(&cfg.Proto, "proto", "p", cfg.Proto, "listener kind: http, tcp, tls or labeled")
	fs.StringVarP(&cfg.Domain, "domain", "d", cfg.Domain, "public hostname for http and tls listeners")
	fs.StringVarP(&cfg.TunnelsFile, "config", "c", cfg.TunnelsFile, "YAML file listing tunnels; replaces --target/--proto")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address (empty disables)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "time allowed for closing tunnels after a shutdown signal (0 = immediate)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write logs to this file, rotated by size")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// relayAddr is --server, else the server_addr of the tunnels file, else
// derived from --host.
func (c *Config) relayAddr() string {
	if c.ServerAddr == "" && c.Host != "" {
		return net.JoinHostPort(c.Host, "9000")
	}
	return c.ServerAddr
}

// tunnels returns the tunnels to open: those of the tunnels file, or the
// single one described by flags. Session settings in the file fill in
// flags left empty.
func (c *Config) tunnels() ([]tunnelSpec, error) {
	if c.TunnelsFile == "" {
		opts := map[string]any{}
		if c.Domain != "" {
			opts["domain"] = c.Domain
		}
		return []tunnelSpec{{Addr: c.Target, Proto: c.Proto, Options: opts}}, nil
	}
	data, err := os.ReadFile(c.TunnelsFile)
	if err != nil {
		return nil, err
	}
	f, err := parseTunnels(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.TunnelsFile, err)
	}
	if c.ServerAddr == "" {
		c.ServerAddr = f.ServerAddr
	}
	if c.Token == "" {
		c.Token = f.Authtoken
	}
	if c.Metadata == "" {
		c.Metadata = f.Metadata
	}
	return f.Tunnels, nil
}

func parseTunnels(data []byte) (*tunnelsFile, error) {
	var f tunnelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Tunnels) == 0 {
		return nil, errors.New("no tunnels defined")
	}
	return &f, nil
}
