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

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escriba/internal/config"
	"escriba/internal/mdp"
	"escriba/pkg/archive"
)

// ExecFunc runs one helper program and returns its exit code and
// captured output streams.
type ExecFunc func(ctx context.Context, program string, args ...string) (rc int, stdout, stderr string, err error)

// Agent runs archival helper programs as bus workers. Each configured
// service gets its configured number of listeners, every listener a
// worker connection of its own.
type Agent struct {
	endpoint string
	services []config.ServiceSpec

	// execFn is the process runner; tests replace it.
	execFn ExecFunc

	logger *log.Entry
}

// NewAgent creates an agent for the given broker endpoint and service
// list.
func NewAgent(endpoint string, services []config.ServiceSpec) *Agent {
	return &Agent{
		endpoint: endpoint,
		services: services,
		execFn:   defaultExec,
		logger:   log.WithField("component", "agent"),
	}
}

// Run starts every listener and blocks until one fails or ctx is
// canceled.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range a.services {
		for i := 0; i < spec.Concurrency; i++ {
			spec := spec
			g.Go(func() error {
				return a.listen(ctx, spec)
			})
		}
	}
	return g.Wait()
}

// listen serves one worker connection for spec until Recv fails.
func (a *Agent) listen(ctx context.Context, spec config.ServiceSpec) error {
	worker := mdp.NewWorker(a.endpoint, spec.Name)
	defer worker.Close()

	logger := a.logger.WithField("service", spec.Name)
	logger.Info("listener starting")

	var reply [][]byte
	for {
		request, err := worker.Recv(ctx, reply)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.WithError(err).Error("listener stopping")
			return err
		}
		reply = a.handle(ctx, spec, request)
	}
}

// handle runs the helper for one request and builds the reply frames:
// a JSON result, the helper's stdout, and its stderr. Every request
// frame becomes one helper argument, in order.
func (a *Agent) handle(ctx context.Context, spec config.ServiceSpec, request [][]byte) [][]byte {
	args := make([]string, len(request))
	for i, frame := range request {
		args[i] = string(frame)
	}
	url := ""
	if len(args) > 0 {
		// The URL is the last frame by convention.
		url = args[len(args)-1]
	}
	logger := a.logger.WithFields(log.Fields{
		"service": spec.Name,
		"url":     url,
	})

	timeout := 60 * time.Second
	if strategy, ok := archive.StrategyByName(spec.Name); ok {
		timeout = strategy.Timeout()
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	rc, stdout, stderr, err := a.execFn(cctx, spec.Program, args...)
	if err != nil {
		// The program could not run at all, as opposed to running and
		// failing.
		logger.WithError(err).Error("helper did not run")
		if rc == 0 {
			rc = -1
		}
		if stderr == "" {
			stderr = err.Error()
		}
	}
	logger.WithFields(log.Fields{
		"rc":      rc,
		"elapsed": time.Since(started),
	}).Info("helper finished")

	result, merr := json.Marshal(map[string]any{
		"rc":   rc,
		"help": "Work finished.",
	})
	if merr != nil {
		result = []byte(`{"rc":-1,"help":"Work finished."}`)
	}
	return [][]byte{result, []byte(stdout), []byte(stderr)}
}

// defaultExec runs the program with exec, capturing both streams.
func defaultExec(ctx context.Context, program string, args ...string) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	rc := 0
	if cmd.ProcessState != nil {
		rc = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A nonzero exit is an outcome, not a run failure.
		return rc, stdout.String(), stderr.String(), nil
	}
	return rc, stdout.String(), stderr.String(), err
}
