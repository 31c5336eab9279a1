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
	"testing"
	"time"

	"escriba/internal/mdp"
)

func TestPollTimeoutHonorsShortDeadlines(t *testing.T) {
	cases := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{100 * time.Millisecond, 100 * time.Millisecond},
		{mdp.DefaultClientTimeout, mdp.DefaultClientTimeout},
		{90 * time.Second, mdp.DefaultClientTimeout},
		{0, mdp.DefaultClientTimeout},
		{-1 * time.Second, mdp.DefaultClientTimeout},
	}
	for _, tc := range cases {
		if got := pollTimeout(tc.timeout); got != tc.want {
			t.Errorf("pollTimeout(%s) = %s, want %s", tc.timeout, got, tc.want)
		}
	}
}
