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
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"escriba/internal/metrics"
	"escriba/internal/store"
	"escriba/pkg/archive"
)

// snapshotResult is the outcome of one dispatched snapshot, handed
// from the request goroutine back to the loop goroutine. All database
// writes stay on the loop side.
type snapshotResult struct {
	uid      uuid.UUID
	strategy archive.Strategy
	state    archive.JobState
	result   string
	stdout   *string
	stderr   *string
	timedOut bool
	elapsed  time.Duration
}

// SnapshotLoop dispatches PENDING snapshots to archival workers over
// the bus. Each claimed snapshot gets its own request goroutine and a
// per-strategy deadline; outcomes are drained and committed on the
// next tick.
type SnapshotLoop struct {
	store    *store.Store
	exchange Exchange
	interval time.Duration
	results  chan snapshotResult
	logger   *log.Entry
}

// NewSnapshotLoop creates the loop with the default interval.
func NewSnapshotLoop(s *store.Store, exchange Exchange) *SnapshotLoop {
	return &SnapshotLoop{
		store:    s,
		exchange: exchange,
		interval: SnapshotInterval,
		results:  make(chan snapshotResult, 128),
		logger:   log.WithField("component", "snapshot-loop"),
	}
}

// Run recovers jobs orphaned by a previous crash, then executes the
// loop until ctx is canceled. Besides the interval tick, the loop
// wakes as soon as any in-flight request completes, so an outcome is
// committed and the next snapshot claimed without waiting out the
// tick.
func (l *SnapshotLoop) Run(ctx context.Context) error {
	if err := l.recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-l.results:
			l.apply(ctx, res)
		case <-ticker.C:
		}
	}
}

// recover fails every EXECUTING row. An EXECUTING row at startup means
// the process died mid-flight; no network work has durable effects, so
// failing is always safe.
func (l *SnapshotLoop) recover(ctx context.Context) error {
	swept := int64(0)
	n, err := l.store.BulkUpdateTransferJobState(ctx, archive.StateExecuting, archive.StateFailed)
	if err != nil {
		return err
	}
	swept += n
	n, err = l.store.BulkUpdateWebpageJobState(ctx, archive.StateExecuting, archive.StateFailed)
	if err != nil {
		return err
	}
	swept += n
	n, err = l.store.BulkUpdateSnapshotState(ctx, archive.StateExecuting, archive.StateFailed)
	if err != nil {
		return err
	}
	swept += n

	if swept > 0 {
		l.logger.WithField("jobs", swept).Warn("failed jobs orphaned by previous run")
	}
	return nil
}

func (l *SnapshotLoop) tick(ctx context.Context) {
	l.drain(ctx)

	snap, err := l.store.GetSnapshotByState(ctx, archive.StatePending)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		l.logger.WithError(err).Error("query pending snapshot")
		return
	}

	webpage, err := l.store.GetWebpage(ctx, snap.WebpageUID)
	if err != nil {
		l.logger.WithError(err).WithField("snapshot", snap.UID).Error("load webpage for snapshot")
		return
	}

	if err := l.store.UpdateSnapshotState(ctx, snap.UID, archive.StatePending, archive.StateExecuting); err != nil {
		l.logger.WithError(err).WithField("snapshot", snap.UID).Error("claim snapshot")
		return
	}

	l.logger.WithFields(log.Fields{
		"snapshot": snap.UID,
		"strategy": snap.Strategy,
		"url":      webpage.URL,
	}).Info("dispatching snapshot")

	go func() {
		res := l.execute(ctx, snap, webpage.URL.String())
		select {
		case l.results <- res:
		case <-ctx.Done():
		}
	}()
}

// execute performs the bus round-trip for one snapshot and classifies
// the reply. It never touches the database.
func (l *SnapshotLoop) execute(ctx context.Context, snap *archive.Snapshot, url string) snapshotResult {
	started := time.Now()
	res := snapshotResult{uid: snap.UID, strategy: snap.Strategy}

	// The request carries the strategy name ahead of the URL; helpers
	// receive every frame as argv.
	frames, err := l.exchange(ctx, snap.Strategy.Name(), snap.Strategy.Timeout(),
		[]byte(snap.Strategy.Name()), []byte(url))
	res.elapsed = time.Since(started)
	if err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"snapshot": snap.UID,
			"strategy": snap.Strategy,
		}).Warn("snapshot dispatch failed")
		res.state = archive.StateFailed
		res.timedOut = true
		return res
	}
	if len(frames) < 1 {
		res.state = archive.StateFailed
		res.timedOut = true
		return res
	}

	res.result = string(frames[0])
	if len(frames) > 1 {
		stdout := string(frames[1])
		res.stdout = &stdout
	}
	if len(frames) > 2 {
		stderr := string(frames[2])
		res.stderr = &stderr
	}

	var parsed struct {
		Rc int `json:"rc"`
	}
	if err := json.Unmarshal(frames[0], &parsed); err != nil {
		l.logger.WithError(err).WithField("snapshot", snap.UID).Warn("unparsable helper result")
		res.state = archive.StateFailed
		return res
	}
	if parsed.Rc == 0 {
		res.state = archive.StateSucceeded
	} else {
		res.state = archive.StateFailed
	}
	return res
}

// drain commits every outcome that arrived since the last tick.
func (l *SnapshotLoop) drain(ctx context.Context) {
	for {
		select {
		case res := <-l.results:
			l.apply(ctx, res)
		default:
			return
		}
	}
}

func (l *SnapshotLoop) apply(ctx context.Context, res snapshotResult) {
	logger := l.logger.WithFields(log.Fields{
		"snapshot": res.uid,
		"strategy": res.strategy,
		"state":    res.state,
	})

	var err error
	if res.timedOut {
		// No reply means no result row; the state alone records the
		// failure.
		err = l.store.UpdateSnapshotState(ctx, res.uid, archive.StateExecuting, archive.StateFailed)
	} else {
		err = l.store.UpdateSnapshotResult(ctx, res.uid, res.state, res.result, res.stdout, res.stderr)
	}
	if err != nil {
		logger.WithError(err).Error("commit snapshot outcome")
		return
	}

	metrics.ObserveSnapshot(res.strategy.Name(), res.state.String(), res.elapsed)
	logger.WithField("elapsed", res.elapsed).Info("snapshot finished")
}
