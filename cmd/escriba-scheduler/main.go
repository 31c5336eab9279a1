// Escriba is a web page archiving service.
// Copyright (C) 2025 Fernanda Queiroz
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

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

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escriba/internal/config"
	"escriba/internal/daemon"
	"escriba/internal/mdp"
	"escriba/internal/metrics"
	"escriba/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	var (
		dbURI    = flag.String("db", cfg.DBURI, "SQLite database path, or :memory:")
		endpoint = flag.String("endpoint", cfg.BrokerEndpoint, "broker socket endpoint")
		httpAddr = flag.String("http", cfg.HTTPAddr, "health and metrics listen address")
		logLevel = flag.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
		services = flag.String("services", "", "local helpers as name:concurrency:program,... (overrides ESCRIBA_SERVICES)")
	)
	flag.Parse()

	configureLogging(*logLevel)

	if *services != "" {
		specs, err := config.ParseServices(*services)
		if err != nil {
			log.WithError(err).Fatal("parse -services")
		}
		cfg.Services = specs
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(ctx, *dbURI)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer func() { _ = s.Close() }()

	broker := mdp.NewBroker(*endpoint)
	if err := broker.Bind(); err != nil {
		log.WithError(err).Fatal("bind broker")
	}
	defer broker.Close()

	exchange := daemon.BusExchange(*endpoint)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Run(ctx) })
	g.Go(func() error { return daemon.NewSnapshotLoop(s, exchange).Run(ctx) })
	g.Go(func() error { return daemon.NewTransferJobLoop(s).Run(ctx) })
	g.Go(func() error { return daemon.NewWebpageJobLoop(s).Run(ctx) })
	g.Go(func() error { return daemon.NewTitleLoop(s).Run(ctx) })
	g.Go(func() error { return daemon.NewInternetArchiveLoop(s).Run(ctx) })

	if len(cfg.Services) > 0 {
		agent := daemon.NewAgent(*endpoint, cfg.Services)
		g.Go(func() error { return agent.Run(ctx) })
	} else {
		log.Info("no local services configured, expecting remote agents")
	}

	server := httpServer(*httpAddr)
	g.Go(func() error {
		log.WithField("addr", *httpAddr).Info("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("scheduler running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("scheduler stopped")
		os.Exit(1)
	}
	log.Info("scheduler stopped")
}

func httpServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func configureLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
