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
	"time"

	log "github.com/sirupsen/logrus"

	"escriba/internal/store"
	"escriba/pkg/archive"
)

// WebpageJobLoop fans one webpage out into snapshots: one PENDING
// snapshot per known strategy.
type WebpageJobLoop struct {
	store    *store.Store
	interval time.Duration
	logger   *log.Entry
}

// NewWebpageJobLoop creates the loop with the default interval.
func NewWebpageJobLoop(s *store.Store) *WebpageJobLoop {
	return &WebpageJobLoop{
		store:    s,
		interval: WebpageJobInterval,
		logger:   log.WithField("component", "webpage-job-loop"),
	}
}

// Run executes the loop until ctx is canceled.
func (l *WebpageJobLoop) Run(ctx context.Context) error {
	return runEvery(ctx, l.interval, l.tick)
}

func (l *WebpageJobLoop) tick(ctx context.Context) {
	job, err := l.store.GetWebpageJobByState(ctx, archive.StatePending)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		l.logger.WithError(err).Error("query pending webpage job")
		return
	}

	if err := l.store.UpdateWebpageJobState(ctx, job.UID, archive.StatePending, archive.StateExecuting); err != nil {
		l.logger.WithError(err).WithField("job", job.UID).Error("claim webpage job")
		return
	}
	logger := l.logger.WithFields(log.Fields{
		"job":     job.UID,
		"webpage": job.WebpageUID,
	})

	state := archive.StateSucceeded
	for _, strategy := range archive.Strategies() {
		if _, err := l.store.CreateSnapshot(ctx, job.WebpageUID, strategy); err != nil {
			logger.WithError(err).WithField("strategy", strategy).Error("create snapshot")
			state = archive.StateFailed
			break
		}
	}

	if err := l.store.UpdateWebpageJobState(ctx, job.UID, archive.StateExecuting, state); err != nil {
		logger.WithError(err).Error("finish webpage job")
		return
	}
	logger.WithField("state", state).Info("webpage job finished")
}
