package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"offlinegate/internal/config"
	"offlinegate/internal/logging"
	"offlinegate/internal/proxy"
)

func main() {
	configPath := flag.String("config", "./configs/offlinegate.yaml", "path to config file (empty for env only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	gw, err := proxy.NewBuilder(cfg, logger).Build(bgCtx)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	// Requests pass straight to the origin until the first install is done.
	go func() {
		if err := gw.Host.Register(bgCtx, cfg.Worker.Version); err != nil {
			logger.Error("initial worker registration failed", "version", cfg.Worker.Version, "error", err)
		}
	}()
	go gw.Host.Run(bgCtx, cfg.Clients.IdleTimeout, 0)

	srv := gw.Server
	go func() {
		logger.Info("listening", "addr", srv.Addr, "origin", cfg.Origin.URL, "cache", cfg.CacheName())
		var err error
		if gw.TLS.Enabled {
			err = srv.ListenAndServeTLS(gw.TLS.CertFile, gw.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := gw.Host.Drain(ctx); err != nil {
		logger.Warn("pending cache writes abandoned", "error", err)
	}
	if err := gw.Close(); err != nil {
		logger.Error("close cache store", "error", err)
	}
}
