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

// Package config loads runtime configuration for the escriba binaries
// from ESCRIBA_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ServiceSpec binds one bus service name to a helper program and how
// many concurrent listeners to run for it.
type ServiceSpec struct {
	Name        string
	Concurrency int
	Program     string
}

// Config holds configuration shared by the escriba binaries.
type Config struct {
	// DBURI is a filesystem path or ":memory:".
	DBURI string

	// BrokerEndpoint is the ZeroMQ endpoint of the broker socket.
	BrokerEndpoint string

	// Services are the archival helpers this node runs.
	Services []ServiceSpec

	// LogLevel is a logrus level name.
	LogLevel string

	// HTTPAddr serves health and metrics from the scheduler.
	HTTPAddr string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBURI:          ":memory:",
		BrokerEndpoint: "tcp://127.0.0.1:5555",
		LogLevel:       "info",
		HTTPAddr:       ":8082",
	}
}

// LoadFromEnv loads configuration from environment variables on top of
// the defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if val := os.Getenv("ESCRIBA_DB_URI"); val != "" {
		cfg.DBURI = val
	}
	if val := os.Getenv("ESCRIBA_BROKER_ENDPOINT"); val != "" {
		cfg.BrokerEndpoint = val
	}
	if val := os.Getenv("ESCRIBA_SERVICES"); val != "" {
		services, err := ParseServices(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid ESCRIBA_SERVICES: %w", err)
		}
		cfg.Services = services
	}
	if val := os.Getenv("ESCRIBA_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("ESCRIBA_HTTP_ADDR"); val != "" {
		cfg.HTTPAddr = val
	}

	return cfg, nil
}

// ParseServices parses a comma-separated list of
// name:concurrency:program entries.
func ParseServices(val string) ([]ServiceSpec, error) {
	var out []ServiceSpec
	for _, entry := range strings.Split(val, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed service %q, want name:concurrency:program", entry)
		}
		name := strings.TrimSpace(parts[0])
		program := strings.TrimSpace(parts[2])
		if name == "" || program == "" {
			return nil, fmt.Errorf("malformed service %q, empty name or program", entry)
		}
		concurrency, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("service %q: concurrency: %w", entry, err)
		}
		if concurrency < 1 {
			return nil, fmt.Errorf("service %q: concurrency must be at least 1", entry)
		}
		out = append(out, ServiceSpec{Name: name, Concurrency: concurrency, Program: program})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no services in %q", val)
	}
	return out, nil
}
