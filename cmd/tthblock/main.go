// Command tthblock runs the blocklist cache as a standalone daemon: it
// watches a directory of blocklist source files, mirrors remote lists and
// serves admission decisions over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hubward/tthblock/blocklist"
	"github.com/hubward/tthblock/config"
	"github.com/hubward/tthblock/httpapi"
)

const name = "tthblock"

var log = logging.Logger("main")

func version() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "unknown"
}

func registerVersionMetric() {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "tthblock",
		Name:        "info",
		Help:        "Information about the tthblock instance.",
		ConstLabels: prometheus.Labels{"version": version()},
	})
	prometheus.MustRegister(m)
	m.Set(1)
}

func main() {
	fmt.Printf("%s %s\n", name, version())
	registerVersionMetric()
	if err := godotenv.Load(); err == nil {
		fmt.Println(".env found and loaded")
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if lvl, err := logging.LevelFromString(cfg.Logging.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := blocklist.New(blocklist.Options{
		Dir:      cfg.Sources.Dir,
		Settings: cfg,
		Notifier: blocklist.LogNotifier{},
	})
	if err != nil {
		return fmt.Errorf("starting blocklist service: %w", err)
	}
	defer svc.Close()
	if err := svc.Start(); err != nil {
		return fmt.Errorf("starting background reconciliation: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: httpapi.Handler(svc),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP API listening at %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	return svc.Close()
}
