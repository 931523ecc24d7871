package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/ratelimit"
	"github.com/matst80/showoff-agent/internal/server"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.Setup(obs.Options{Debug: cfg.Debug, File: cfg.LogFile})
	defer obs.Sync()
	if err := run(cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err})
		obs.Sync()
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	obs.Info("server.start", obs.Fields{"control": cfg.ControlAddr, "public": cfg.PublicAddr, "public_tls": cfg.PublicTLSAddr, "metrics": cfg.MetricsAddr})
	store, err := server.NewStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.New(server.Config{
		Token:            cfg.Token,
		BaseDomain:       cfg.BaseDomain,
		HTTPScheme:       cfg.HTTPScheme,
		HTTPPort:         cfg.HTTPPort,
		TLSPort:          cfg.TLSPort,
		TCPHost:          cfg.TCPHost,
		TCPBindHost:      cfg.TCPBind,
		MaxHeaderSize:    cfg.MaxHeaderSize,
		AddXFF:           cfg.AddXFF,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Limits: ratelimit.Limits{
			GlobalConn: cfg.GlobalConnRate,
			Conn:       cfg.ConnRate,
			GlobalReq:  cfg.GlobalReqRate,
			Req:        cfg.ReqRate,
			Burst:      cfg.RateBurst,
		},
	}, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var controlTLS *tls.Config
	if cfg.EnableTLS {
		if controlTLS, err = createServerTLSConfig(cfg); err != nil {
			return fmt.Errorf("control tls: %w", err)
		}
	}
	ctrlLn, err := createListener(cfg.ControlAddr, controlTLS)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", cfg.ControlAddr, err)
	}
	pubLn, err := net.Listen("tcp", cfg.PublicAddr)
	if err != nil {
		_ = ctrlLn.Close()
		return fmt.Errorf("listen public %s: %w", cfg.PublicAddr, err)
	}
	var tlsLn net.Listener
	if cfg.PublicTLSAddr != "" {
		if tlsLn, err = net.Listen("tcp", cfg.PublicTLSAddr); err != nil {
			_ = ctrlLn.Close()
			_ = pubLn.Close()
			return fmt.Errorf("listen public tls %s: %w", cfg.PublicTLSAddr, err)
		}
	}

	go startMetricsServer(ctx, cfg.MetricsAddr, srv)
	go srv.Maintain(ctx, cfg.CleanupInterval)
	if rs, ok := store.(*server.RedisState); ok {
		go rs.Maintain(ctx)
	}

	var wg sync.WaitGroup
	serve := func(name string, fn func(context.Context, net.Listener) error, ln net.Listener) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, ln); err != nil && !errors.Is(err, net.ErrClosed) {
				obs.Error("listen."+name, obs.Fields{"err": err})
				stop()
			}
		}()
	}
	serve("control", srv.ServeControl, ctrlLn)
	serve("public", srv.ServePublicHTTP, pubLn)
	if tlsLn != nil {
		serve("public_tls", srv.ServePublicTLS, tlsLn)
	}

	store.SetReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	store.SetClosing(true)
	wg.Wait()
	srv.Close()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return nil
}

// createServerTLSConfig creates a TLS configuration for the server with mTLS support
func createServerTLSConfig(cfg *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	// If CA file is provided, enable mTLS (mutual authentication)
	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": cfg.TLSCAFile})
	}
	return tlsConfig, nil
}

// createListener creates either a plain TCP or TLS listener based on tlsConfig
func createListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}
