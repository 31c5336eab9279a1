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

// escriba-submit inserts one transfer into the archive database. URLs
// come from the command line, or from stdin when no arguments are
// given, one per line. The scheduler picks the transfer up on its next
// pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"escriba/internal/config"
	"escriba/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	dbURI := flag.String("db", cfg.DBURI, "SQLite database path")
	flag.Parse()

	var input string
	if flag.NArg() > 0 {
		input = strings.Join(flag.Args(), "\n")
	} else {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.WithError(err).Fatal("read stdin")
		}
		input = string(raw)
	}
	if strings.TrimSpace(input) == "" {
		log.Fatal("no URLs to submit")
	}

	ctx := context.Background()
	s, err := store.Open(ctx, *dbURI)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer func() { _ = s.Close() }()

	transfer, err := s.CreateTransfer(ctx, input)
	if err != nil {
		log.WithError(err).Fatal("create transfer")
	}
	job, err := s.CreateTransferJob(ctx, transfer.UID)
	if err != nil {
		log.WithError(err).Fatal("create transfer job")
	}

	fmt.Printf("transfer %s queued as job %s\n", transfer.UID, job.UID)
}
