package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/showoff-agent/internal/obs"
	"github.com/matst80/showoff-agent/internal/proto"
	"github.com/matst80/showoff-agent/internal/server"
	"github.com/matst80/showoff-agent/internal/web"
)

// startMetricsServer serves Prometheus metrics, the dashboard, the state
// API and websocket agent connections until ctx ends.
func startMetricsServer(ctx context.Context, addr string, srv *server.Server) {
	hs := &http.Server{Addr: addr, Handler: adminHandler(ctx, srv), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err, "addr": addr})
	}
}

func adminHandler(ctx context.Context, srv *server.Server) http.Handler {
	state := srv.Store()
	mux := http.NewServeMux()
	mux.Handle("/show-off/metrics", promhttp.Handler())
	mux.HandleFunc("GET /show-off/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(r.Context(), srv)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("POST /show-off/api/sessions/{id}/{command}", func(w http.ResponseWriter, r *http.Request) {
		cmd := r.PathValue("command")
		if cmd != proto.CommandStop && cmd != proto.CommandRestart {
			http.Error(w, "unknown command", http.StatusBadRequest)
			return
		}
		cctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		err := srv.Command(cctx, r.PathValue("id"), cmd)
		switch {
		case errors.Is(err, server.ErrNoSession):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			obs.Error("admin.command", obs.Fields{"err": err, "session": r.PathValue("id"), "command": cmd})
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			obs.Info("admin.command", obs.Fields{"session": r.PathValue("id"), "command": cmd})
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("GET /show-off/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(r.Context(), srv)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			obs.Error("dashboard.render", obs.Fields{"err": err})
		}
	})
	mux.Handle("/tunnel", srv.TunnelHandler(ctx))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if state.IsClosing() || !state.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
