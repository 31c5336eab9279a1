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

// Package daemon contains the archival pipeline loops: transfer-job
// parsing, webpage-job fanout, snapshot dispatch over the bus, the
// derivation loops, and the agent that runs helper programs.
package daemon

import (
	"context"
	"errors"
	"time"

	"escriba/internal/mdp"
)

// Loop intervals. The transfer loop can afford to be lazier than the
// rest of the pipeline.
const (
	TransferJobInterval = 3 * time.Second
	WebpageJobInterval  = time.Second
	SnapshotInterval    = time.Second
	DerivationInterval  = time.Second
)

// ErrTimeout is returned by an Exchange when no reply arrived within
// the allotted time.
var ErrTimeout = errors.New("daemon: request timed out")

// Exchange performs one request/reply round-trip for the named service
// on the bus, bounded by timeout.
type Exchange func(ctx context.Context, service string, timeout time.Duration, body ...[]byte) ([][]byte, error)

// BusExchange returns an Exchange backed by a short-lived MDP client
// per call. One snapshot dispatch is one client connection, so a hung
// helper never wedges a shared socket.
func BusExchange(endpoint string) Exchange {
	return func(ctx context.Context, service string, timeout time.Duration, body ...[]byte) ([][]byte, error) {
		client := mdp.NewClient(endpoint, pollTimeout(timeout))
		if err := client.Connect(); err != nil {
			return nil, err
		}
		defer client.Close()

		if err := client.Send(service, body...); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(timeout)
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			reply, err := client.Recv()
			if err != nil {
				return nil, err
			}
			if reply != nil {
				return reply, nil
			}
			if !time.Now().Before(deadline) {
				return nil, ErrTimeout
			}
		}
	}
}

// pollTimeout bounds one Recv poll slice. Deadlines shorter than the
// default slice must be honored exactly; longer ones keep the default
// and loop until the deadline.
func pollTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 && timeout < mdp.DefaultClientTimeout {
		return timeout
	}
	return mdp.DefaultClientTimeout
}

// runEvery calls fn immediately and then once per interval until ctx
// is canceled.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
