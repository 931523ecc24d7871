package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/showoff-agent/internal/connect"
	"github.com/matst80/showoff-agent/internal/listener"
	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/proto"
	"github.com/matst80/showoff-agent/internal/relay"
	"github.com/matst80/showoff-agent/internal/session"
)

const version = "0.3.0"

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.Setup(obs.Options{Debug: cfg.Debug, File: cfg.LogFile})
	defer obs.Sync()

	if err := run(cfg); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err})
		obs.Sync()
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	specs, err := cfg.tunnels()
	if err != nil {
		return err
	}
	format, err := proto.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := relay.NewConnector()
	conn.Format = format
	o := connect.New(conn)
	o.SetAuthtoken(cfg.Token)
	o.Configure(func(b *session.Builder) {
		b.ServerAddr(cfg.relayAddr()).
			Metadata(cfg.Metadata).
			RootCAs(cfg.RootCAs).
			ClientInfo("showoff-cli", version, "").
			HandleDisconnection(func(addr string, err error) error {
				obs.Error("client.disconnected", obs.Fields{"server": addr, "err": err})
				return nil
			}).
			HandleStopCommand(func() error {
				obs.Info("client.command.stop", obs.Fields{})
				stop()
				return nil
			}).
			HandleRestartCommand(func() error {
				obs.Info("client.command.restart", obs.Fields{})
				return nil
			})
	})
	obs.Info("client.start", obs.Fields{"server": cfg.relayAddr(), "tunnels": len(specs), "format": cfg.Format})

	for _, spec := range specs {
		h, err := o.ConnectMap(ctx, spec.Addr, spec.Proto, spec.Options)
		if err != nil {
			_ = o.Kill(context.Background())
			return err
		}
		obs.Info("client.tunnel", obs.Fields{"id": h.ID(), "url": h.URL(), "proto": h.Proto(), "target": spec.Addr, "session": h.SessionID()})
		if u := h.URL(); u != "" {
			fmt.Printf("%s -> %v\n", u, spec.Addr)
		}
	}

	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, o.Registry())
	}

	<-ctx.Done()
	obs.Info("client.shutdown.signal", obs.Fields{"listeners": o.Registry().Len()})
	closeCtx := context.Background()
	if cfg.GracePeriod > 0 {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(closeCtx, cfg.GracePeriod)
		defer cancel()
	}
	if err := o.Kill(closeCtx); err != nil {
		obs.Error("client.close", obs.Fields{"err": err})
	}
	obs.Info("client.shutdown.complete", obs.Fields{})
	return nil
}

// startMetricsServer serves Prometheus metrics and health endpoints. The
// agent is ready while it holds at least one listener.
func startMetricsServer(addr string, reg *listener.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if reg.Len() == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err, "addr": addr})
	}
}
