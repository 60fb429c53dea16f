// Command axhub runs the bridge backend: a WebSocket endpoint overlay
// clients connect to, plus health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overlaykit/go-axbridge/internal/config"
	"github.com/overlaykit/go-axbridge/internal/logx"
	"github.com/overlaykit/go-axbridge/pkg/hub"
)

func main() {
	var cfg config.HubConfig
	cfg.BindFlags()
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			logx.Log.Fatal().Err(err).Msg("loading config")
		}
	}
	logx.Configure(cfg.LogLevel)
	log := logx.Log

	h := hub.New(
		hub.WithLogger(log),
		hub.WithWriteTimeout(cfg.WriteTimeout),
		hub.WithSendBuffer(cfg.SendBuffer),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	hub.RegisterMetrics(reg)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(cfg.WSPath, h)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Heartbeat events let connected overlays verify liveness of the push
	// path without issuing calls.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		started := time.Now()
		for {
			select {
			case <-ticker.C:
				_ = h.Publish("hub.heartbeat", map[string]int64{
					"uptime_seconds": int64(time.Since(started).Seconds()),
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("ws_path", cfg.WSPath).Msg("axhub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = h.Close()
	os.Exit(0)
}
