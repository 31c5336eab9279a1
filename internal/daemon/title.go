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

// derivationBatchSize caps how many snapshots one derivation tick
// promotes.
const derivationBatchSize = 100

// TitleLoop promotes successful title snapshots into the webpage
// title column.
type TitleLoop struct {
	store    *store.Store
	interval time.Duration
	logger   *log.Entry
}

// NewTitleLoop creates the loop with the default interval.
func NewTitleLoop(s *store.Store) *TitleLoop {
	return &TitleLoop{
		store:    s,
		interval: DerivationInterval,
		logger:   log.WithField("component", "title-loop"),
	}
}

// Run executes the loop until ctx is canceled.
func (l *TitleLoop) Run(ctx context.Context) error {
	return runEvery(ctx, l.interval, l.tick)
}

func (l *TitleLoop) tick(ctx context.Context) {
	snaps, err := l.store.ListReadyForTitleUpdate(ctx, derivationBatchSize)
	if err != nil {
		l.logger.WithError(err).Error("query snapshots ready for title update")
		return
	}

	for _, snap := range snaps {
		title := ""
		if snap.Stdout != nil {
			title = strings.TrimSpace(*snap.Stdout)
		}
		logger := l.logger.WithFields(log.Fields{
			"snapshot": snap.UID,
			"webpage":  snap.WebpageUID,
		})
		if title == "" {
			// Commit anyway: an empty title keeps the snapshot from
			// being reprocessed every tick.
			logger.Warn("title snapshot produced empty output")
		}
		if err := l.store.UpdateWebpageTitle(ctx, snap.WebpageUID, title); err != nil {
			logger.WithError(err).Error("update webpage title")
			continue
		}
		metrics.IncDerivation("title")
		logger.WithField("title", title).Info("webpage title updated")
	}
}
