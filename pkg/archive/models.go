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

// Package archive contains the shared data models used by the store,
// the pipeline daemons, and tests: transfers, webpages, jobs, snapshots,
// and the closed strategy and job-state enumerations.
package archive

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of any job row.
// Rows progress PENDING → EXECUTING → {SUCCEEDED|FAILED}.
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateExecuting JobState = "EXECUTING"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
)

// Valid reports whether the state is one of the allowed states.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateExecuting, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is SUCCEEDED or FAILED.
func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// String returns the string value of the JobState.
func (s JobState) String() string { return string(s) }

// Strategy identifies one archival method. The integer codes are part
// of the persisted schema and must not be renumbered.
type Strategy int

const (
	// informational extractors
	StrategyInternetArchive Strategy = 1
	StrategyTitle           Strategy = 2
	StrategyFavicon         Strategy = 3

	// simple extractors
	StrategyCurl Strategy = 10
	StrategyWget Strategy = 11
	StrategyWARC Strategy = 12

	// browser-mimicking extractors
	StrategyPDF        Strategy = 20
	StrategyScreenshot Strategy = 21
	StrategyDOM        Strategy = 22

	// post-processing capable extractors
	StrategySinglefile  Strategy = 30
	StrategyReadability Strategy = 31
	StrategyMercury     Strategy = 32

	// specialized extractors
	StrategyGit   Strategy = 40
	StrategyYtdlp Strategy = 41
)

var strategyNames = map[Strategy]string{
	StrategyInternetArchive: "internet_archive",
	StrategyTitle:           "title",
	StrategyFavicon:         "favicon",
	StrategyCurl:            "curl",
	StrategyWget:            "wget",
	StrategyWARC:            "warc",
	StrategyPDF:             "pdf",
	StrategyScreenshot:      "screenshot",
	StrategyDOM:             "dom",
	StrategySinglefile:      "singlefile",
	StrategyReadability:     "readability",
	StrategyMercury:         "mercury",
	StrategyGit:             "git",
	StrategyYtdlp:           "ytdlp",
}

// strategyTimeouts keys every strategy to its helper deadline. Keep
// this as a table: branching on code ranges breaks when codes move.
var strategyTimeouts = map[Strategy]time.Duration{
	StrategyInternetArchive: 90 * time.Second,
	StrategyTitle:           90 * time.Second,
	StrategyFavicon:         90 * time.Second,
	StrategyCurl:            90 * time.Second,
	StrategyWget:            90 * time.Second,
	StrategyWARC:            90 * time.Second,
	StrategyPDF:             180 * time.Second,
	StrategyScreenshot:      180 * time.Second,
	StrategyDOM:             180 * time.Second,
	StrategySinglefile:      180 * time.Second,
	StrategyReadability:     180 * time.Second,
	StrategyMercury:         180 * time.Second,
	StrategyGit:             180 * time.Second,
	StrategyYtdlp:           3600 * time.Second,
}

// Strategies returns every known strategy in code order.
func Strategies() []Strategy {
	return []Strategy{
		StrategyInternetArchive, StrategyTitle, StrategyFavicon,
		StrategyCurl, StrategyWget, StrategyWARC,
		StrategyPDF, StrategyScreenshot, StrategyDOM,
		StrategySinglefile, StrategyReadability, StrategyMercury,
		StrategyGit, StrategyYtdlp,
	}
}

// StrategyByName resolves a bus service name back to its strategy.
func StrategyByName(name string) (Strategy, bool) {
	for st, n := range strategyNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}

// Valid reports whether the strategy is a known code.
func (st Strategy) Valid() bool {
	_, ok := strategyNames[st]
	return ok
}

// Name returns the service name the strategy is addressed by on the bus.
func (st Strategy) Name() string {
	if n, ok := strategyNames[st]; ok {
		return n
	}
	return "unknown"
}

// String returns the strategy service name.
func (st Strategy) String() string { return st.Name() }

// Timeout returns the helper deadline for the strategy. Unknown codes
// get a conservative 60 seconds.
func (st Strategy) Timeout() time.Duration {
	if d, ok := strategyTimeouts[st]; ok {
		return d
	}
	return 60 * time.Second
}

// Transfer is one user-submitted batch of URLs. UserInput holds the raw
// newline-separated blob exactly as submitted; it is immutable.
type Transfer struct {
	UID          uuid.UUID
	CreationTime time.Time
	UserInput    string
}

// TransferJob drives the parsing of one transfer into webpages.
type TransferJob struct {
	UID          uuid.UUID
	CreationTime time.Time
	TransferUID  uuid.UUID
	State        JobState
	ModifiedTime *time.Time
}

// Webpage is one unique URL known to the archive. The same URL
// submitted across transfers resolves to the same row.
type Webpage struct {
	UID                uuid.UUID
	URL                *url.URL
	CreationTime       time.Time
	Title              *string
	InternetArchiveURL *string
	ModifiedTime       *time.Time
}

// SafeTitle returns the stored title, falling back to host+path+query
// so the page is always presentable.
func (w *Webpage) SafeTitle() string {
	if w.Title != nil && *w.Title != "" {
		return *w.Title
	}
	if w.URL == nil {
		return ""
	}
	alt := w.URL.Host + w.URL.Path
	if w.URL.RawQuery != "" {
		alt += w.URL.RawQuery
	}
	return alt
}

// WebpageJob drives the strategy enumeration for one webpage.
type WebpageJob struct {
	UID          uuid.UUID
	CreationTime time.Time
	WebpageUID   uuid.UUID
	State        JobState
	ModifiedTime *time.Time
}

// Snapshot is one archival attempt: a (webpage, strategy) pair and the
// helper's outputs. Result is the raw JSON reply and is only ever
// written together with a terminal state.
type Snapshot struct {
	UID          uuid.UUID
	CreationTime time.Time
	WebpageUID   uuid.UUID
	Strategy     Strategy
	State        JobState
	ModifiedTime *time.Time
	Result       *string
	Stdout       *string
	Stderr       *string
}

// NormalizeURL parses and re-serializes a raw URL so that equality in
// the webpage table is equality after a split/unsplit round-trip.
func NormalizeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	// Round-trip once so the stored string is its own fixed point.
	return url.Parse(u.String())
}
