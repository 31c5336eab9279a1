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
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"escriba/internal/store"
	"escriba/pkg/archive"
)

// TransferJobLoop parses submitted transfers into webpages. One PENDING
// transfer job is consumed per tick: its raw input is split into URLs,
// each URL resolves to a (possibly pre-existing) webpage, and every
// webpage gets a PENDING webpage job.
type TransferJobLoop struct {
	store    *store.Store
	interval time.Duration
	logger   *log.Entry
}

// NewTransferJobLoop creates the loop with the default interval.
func NewTransferJobLoop(s *store.Store) *TransferJobLoop {
	return &TransferJobLoop{
		store:    s,
		interval: TransferJobInterval,
		logger:   log.WithField("component", "transfer-job-loop"),
	}
}

// Run executes the loop until ctx is canceled.
func (l *TransferJobLoop) Run(ctx context.Context) error {
	return runEvery(ctx, l.interval, l.tick)
}

func (l *TransferJobLoop) tick(ctx context.Context) {
	job, err := l.store.GetTransferJobByState(ctx, archive.StatePending)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		l.logger.WithError(err).Error("query pending transfer job")
		return
	}

	if err := l.store.UpdateTransferJobState(ctx, job.UID, archive.StatePending, archive.StateExecuting); err != nil {
		l.logger.WithError(err).WithField("job", job.UID).Error("claim transfer job")
		return
	}
	logger := l.logger.WithField("job", job.UID)

	if err := l.process(ctx, job); err != nil {
		logger.WithError(err).Error("transfer job failed")
		l.finish(ctx, job, archive.StateFailed)
		return
	}
	l.finish(ctx, job, archive.StateSucceeded)
}

func (l *TransferJobLoop) process(ctx context.Context, job *archive.TransferJob) error {
	transfer, err := l.store.GetTransfer(ctx, job.TransferUID)
	if err != nil {
		return err
	}

	urls := splitURLs(transfer.UserInput)
	l.logger.WithFields(log.Fields{
		"job":  job.UID,
		"urls": len(urls),
	}).Info("parsing transfer")

	for _, raw := range urls {
		u, err := archive.NormalizeURL(raw)
		if err != nil {
			l.logger.WithError(err).WithField("url", raw).Warn("skipping unparsable url")
			continue
		}
		webpageUID, err := l.store.CreateWebpage(ctx, job.UID, u)
		if err != nil {
			return err
		}
		if _, err := l.store.CreateWebpageJob(ctx, webpageUID); err != nil {
			return err
		}
	}
	return nil
}

func (l *TransferJobLoop) finish(ctx context.Context, job *archive.TransferJob, state archive.JobState) {
	if err := l.store.UpdateTransferJobState(ctx, job.UID, archive.StateExecuting, state); err != nil {
		l.logger.WithError(err).WithField("job", job.UID).Error("finish transfer job")
	}
}

// splitURLs breaks a raw submission into trimmed, deduplicated URLs,
// preserving first-seen order.
func splitURLs(input string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(input, "\n") {
		u := strings.TrimSpace(line)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
