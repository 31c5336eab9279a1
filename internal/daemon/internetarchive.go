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
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"escriba/internal/metrics"
	"escriba/internal/store"
)

// InternetArchiveLoop promotes successful internet_archive snapshots
// into the webpage archive.org URL column. Only snapshots whose helper
// exited cleanly are considered; the helper prints the archived URL on
// stdout.
type InternetArchiveLoop struct {
	store    *store.Store
	interval time.Duration
	logger   *log.Entry
}

// NewInternetArchiveLoop creates the loop with the default interval.
func NewInternetArchiveLoop(s *store.Store) *InternetArchiveLoop {
	return &InternetArchiveLoop{
		store:    s,
		interval: DerivationInterval,
		logger:   log.WithField("component", "internet-archive-loop"),
	}
}

// Run executes the loop until ctx is canceled.
func (l *InternetArchiveLoop) Run(ctx context.Context) error {
	return runEvery(ctx, l.interval, l.tick)
}

func (l *InternetArchiveLoop) tick(ctx context.Context) {
	snaps, err := l.store.ListReadyForArchiveUpdate(ctx, derivationBatchSize)
	if err != nil {
		l.logger.WithError(err).Error("query snapshots ready for archive update")
		return
	}

	for _, snap := range snaps {
		archiveURL := ""
		if snap.Stdout != nil {
			archiveURL = strings.TrimSpace(*snap.Stdout)
		}
		logger := l.logger.WithFields(log.Fields{
			"snapshot": snap.UID,
			"webpage":  snap.WebpageUID,
		})
		if archiveURL == "" {
			logger.Warn("internet_archive snapshot produced empty output")
		}
		if err := l.store.UpdateWebpageInternetArchiveURL(ctx, snap.WebpageUID, archiveURL); err != nil {
			logger.WithError(err).Error("update webpage archive url")
			continue
		}
		metrics.IncDerivation("internet_archive_url")
		logger.WithField("archive_url", archiveURL).Info("webpage archive url updated")
	}
}
