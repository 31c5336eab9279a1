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

package mdp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	czmq "github.com/zeromq/goczmq"
)

// ReconnectDelay is how long a worker waits before redialing the broker
// after it decides the broker is gone.
const ReconnectDelay = 2500 * time.Millisecond

// ErrWorkerClosed is returned by Recv after Close.
var ErrWorkerClosed = errors.New("mdp: worker closed")

// Worker is one MDP v0.1 worker connection: a DEALER socket registered
// with the broker under a single service name. It is not safe for
// concurrent use; run one Worker per goroutine.
type Worker struct {
	endpoint string
	service  string

	socket *czmq.Sock
	poller *czmq.Poller

	liveness    int
	heartbeatAt time.Time
	// expectReply is false only before the first Recv, which carries no
	// reply to send.
	expectReply bool
	replyTo     [][]byte // client envelope of the request in flight
	closed      bool

	logger *log.Entry
}

// NewWorker creates a worker for the given broker endpoint and service
// name. The connection is established on the first Recv.
func NewWorker(endpoint, service string) *Worker {
	return &Worker{
		endpoint: endpoint,
		service:  service,
		logger: log.WithFields(log.Fields{
			"component": "worker",
			"service":   service,
		}),
	}
}

// Connect dials the broker and announces the service with READY. Any
// previous socket is torn down first, so this doubles as reconnect.
func (w *Worker) Connect() error {
	w.teardown()

	sock, err := czmq.NewDealer(w.endpoint)
	if err != nil {
		return fmt.Errorf("connect worker to %s: %w", w.endpoint, err)
	}
	poller, err := czmq.NewPoller(sock)
	if err != nil {
		sock.Destroy()
		return fmt.Errorf("worker poller: %w", err)
	}
	w.socket = sock
	w.poller = poller
	w.logger.WithField("endpoint", w.endpoint).Info("connecting to broker")

	if err := w.sendToBroker(CmdReady, []byte(w.service), nil); err != nil {
		return err
	}
	w.liveness = HeartbeatLiveness
	w.heartbeatAt = time.Now().Add(HeartbeatInterval)
	return nil
}

// Close disconnects from the broker and releases the socket.
func (w *Worker) Close() {
	if w.socket != nil {
		if err := w.sendToBroker(CmdDisconnect, nil, nil); err != nil {
			w.logger.WithError(err).Debug("disconnect send failed")
		}
	}
	w.teardown()
	w.closed = true
}

// Recv sends reply for the previous request, if any, then blocks until
// the next request arrives. It returns the request body; the caller
// must pass the corresponding reply to the next Recv call. Returns an
// error only when ctx is canceled or the connection is unusable.
func (w *Worker) Recv(ctx context.Context, reply [][]byte) ([][]byte, error) {
	if w.closed {
		return nil, ErrWorkerClosed
	}
	if w.socket == nil {
		if err := w.Connect(); err != nil {
			return nil, err
		}
	}

	if w.expectReply {
		if reply == nil {
			return nil, errors.New("mdp: missing reply to previous request")
		}
		msg := make([][]byte, 0, len(reply)+2)
		msg = append(msg, w.replyTo...)
		msg = append(msg, []byte{})
		msg = append(msg, reply...)
		if err := w.sendToBroker(CmdReply, nil, msg); err != nil {
			return nil, err
		}
		w.replyTo = nil
	}
	w.expectReply = true

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sock, err := w.poller.Wait(int(HeartbeatInterval / time.Millisecond))
		if err != nil {
			return nil, fmt.Errorf("worker poll: %w", err)
		}

		if sock == nil {
			w.liveness--
			if w.liveness <= 0 {
				w.logger.Warn("disconnected from broker, retrying")
				if !sleepCtx(ctx, ReconnectDelay) {
					return nil, ctx.Err()
				}
				if err := w.Connect(); err != nil {
					return nil, err
				}
			}
			w.maybeHeartbeat()
			continue
		}

		msg, err := sock.RecvMessage()
		if err != nil {
			return nil, fmt.Errorf("worker recv: %w", err)
		}
		dump(w.logger, msg)
		w.liveness = HeartbeatLiveness

		// [empty, MDPW01, command, ...]
		if len(msg) < 3 || len(msg[0]) != 0 || !bytes.Equal(msg[1], MdpwWorker) {
			w.logger.WithField("frames", len(msg)).Error("dropping malformed broker message")
			w.maybeHeartbeat()
			continue
		}
		command := msg[2]
		body := msg[3:]

		switch {
		case bytes.Equal(command, CmdRequest):
			// [client, empty, body...]; the envelope can be longer when
			// the request crossed intermediaries, so split on the first
			// empty frame.
			i := delimiterIndex(body)
			if i < 0 {
				w.logger.Error("REQUEST missing client envelope")
				w.maybeHeartbeat()
				continue
			}
			w.replyTo = body[:i]
			return body[i+1:], nil

		case bytes.Equal(command, CmdHeartbeat):
			// liveness already reset above

		case bytes.Equal(command, CmdDisconnect):
			if err := w.Connect(); err != nil {
				return nil, err
			}

		default:
			w.logger.WithField("command", commandName(command)).Error("invalid broker command")
		}

		w.maybeHeartbeat()
	}
}

// sendToBroker stacks the worker protocol envelope onto msg and sends.
// option is the service frame for READY, nil otherwise.
func (w *Worker) sendToBroker(command []byte, option []byte, msg [][]byte) error {
	frames := make([][]byte, 0, len(msg)+4)
	frames = append(frames, []byte{}, MdpwWorker, command)
	if option != nil {
		frames = append(frames, option)
	}
	frames = append(frames, msg...)

	w.logger.WithField("command", commandName(command)).Debug("sending to broker")
	dump(w.logger, frames)
	if err := w.socket.SendMessage(frames); err != nil {
		return fmt.Errorf("worker send %s: %w", commandName(command), err)
	}
	return nil
}

func (w *Worker) maybeHeartbeat() {
	if time.Now().Before(w.heartbeatAt) {
		return
	}
	if err := w.sendToBroker(CmdHeartbeat, nil, nil); err != nil {
		w.logger.WithError(err).Error("heartbeat send failed")
	}
	w.heartbeatAt = time.Now().Add(HeartbeatInterval)
}

func (w *Worker) teardown() {
	if w.poller != nil {
		w.poller.Destroy()
		w.poller = nil
	}
	if w.socket != nil {
		w.socket.Destroy()
		w.socket = nil
	}
}

// delimiterIndex returns the index of the first empty frame, or -1.
func delimiterIndex(msg [][]byte) int {
	for i, frame := range msg {
		if len(frame) == 0 {
			return i
		}
	}
	return -1
}

// sleepCtx sleeps for d unless ctx is canceled first; reports whether
// the full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
