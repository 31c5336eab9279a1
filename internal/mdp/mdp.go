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

// Package mdp implements the Majordomo Protocol v0.1 (RFC-7): a broker
// routing service-addressed requests from clients to registered
// workers, with heartbeat-driven liveness on both sides.
package mdp

import (
	"encoding/hex"
	"unicode"

	log "github.com/sirupsen/logrus"
)

// Protocol family tags. Frame contents are opaque byte strings and are
// compared whole, never parsed.
var (
	// MdpcClient is the MDP/Client v0.1 header frame.
	MdpcClient = []byte("MDPC01")
	// MdpwWorker is the MDP/Worker v0.1 header frame.
	MdpwWorker = []byte("MDPW01")
)

// MDP/Worker commands, one byte each.
var (
	CmdReady      = []byte{0x01}
	CmdRequest    = []byte{0x02}
	CmdReply      = []byte{0x03}
	CmdHeartbeat  = []byte{0x04}
	CmdDisconnect = []byte{0x05}
)

// MMI (broker-internal) service namespace.
const (
	MMINamespace = "mmi."
	MMIService   = "mmi.service"
)

var commandNames = map[byte]string{
	0x01: "READY",
	0x02: "REQUEST",
	0x03: "REPLY",
	0x04: "HEARTBEAT",
	0x05: "DISCONNECT",
}

// commandName resolves a one-byte command frame to its RFC-7 name.
func commandName(cmd []byte) string {
	if len(cmd) == 1 {
		if n, ok := commandNames[cmd[0]]; ok {
			return n
		}
	}
	return "UNKNOWN"
}

// dump logs each frame of a message at debug level, decoding printable
// frames as text and the rest as hex.
func dump(logger *log.Entry, msg [][]byte) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	logger.Debug("----------------------------------------")
	for _, frame := range msg {
		if printable(frame) {
			logger.Debugf("[%03d] %s", len(frame), frame)
		} else {
			logger.Debugf("[%03d] 0x%s", len(frame), hex.EncodeToString(frame))
		}
	}
}

func printable(b []byte) bool {
	for _, c := range b {
		if c > unicode.MaxASCII || (c < ' ' && c != '\t') {
			return false
		}
	}
	return true
}
