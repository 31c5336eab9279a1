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
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"escriba/internal/config"
	"escriba/internal/daemon"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	var (
		endpoint = flag.String("endpoint", cfg.BrokerEndpoint, "broker socket endpoint")
		logLevel = flag.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
		services = flag.String("services", "", "helpers as name:concurrency:program,... (overrides ESCRIBA_SERVICES)")
	)
	flag.Parse()

	lvl, err := log.ParseLevel(*logLevel)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if *services != "" {
		specs, err := config.ParseServices(*services)
		if err != nil {
			log.WithError(err).Fatal("parse -services")
		}
		cfg.Services = specs
	}
	if len(cfg.Services) == 0 {
		log.Fatal("no services configured, set ESCRIBA_SERVICES or -services")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := daemon.NewAgent(*endpoint, cfg.Services)
	log.WithField("endpoint", *endpoint).Info("agent running")
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("agent stopped")
		os.Exit(1)
	}
	log.Info("agent stopped")
}
