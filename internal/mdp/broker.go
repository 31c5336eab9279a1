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
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	czmq "github.com/zeromq/goczmq"

	"escriba/internal/metrics"
)

const (
	// HeartbeatLiveness is how many missed heartbeat windows a peer
	// survives. 3-5 is reasonable.
	HeartbeatLiveness = 3

	// HeartbeatInterval is the delay between heartbeats.
	HeartbeatInterval = 2500 * time.Millisecond

	// HeartbeatExpiry is how long a silent worker stays registered.
	HeartbeatExpiry = HeartbeatInterval * HeartbeatLiveness
)

// Broker is a single MDP v0.1 broker instance. One ROUTER socket
// carries both client and worker traffic; all state is owned by the
// Run loop and is never touched concurrently.
type Broker struct {
	endpoint    string
	socket      *czmq.Sock
	services    map[string]*service
	workers     map[string]*brokerWorker
	waiting     []*brokerWorker
	heartbeatAt time.Time

	// sendFn is the socket send; tests replace it to capture frames.
	sendFn func(msg [][]byte) error
	now    func() time.Time

	logger *log.Entry
}

// service is a named queue of client requests plus the idle workers
// registered under that name.
type service struct {
	name     string
	requests [][][]byte
	waiting  []*brokerWorker
}

// brokerWorker is a registered worker, idle or active.
type brokerWorker struct {
	identity string // hex of the routing address
	address  []byte // routing frame
	expiry   time.Time
	service  *service // owning service, once READY is seen
}

// NewBroker creates a broker for the given endpoint. Call Bind before Run.
func NewBroker(endpoint string) *Broker {
	b := &Broker{
		endpoint: endpoint,
		services: make(map[string]*service),
		workers:  make(map[string]*brokerWorker),
		now:      time.Now,
		logger:   log.WithField("component", "broker"),
	}
	b.heartbeatAt = b.now().Add(HeartbeatInterval)
	return b
}

// Bind binds the ROUTER socket to the broker endpoint.
func (b *Broker) Bind() error {
	sock, err := czmq.NewRouter(b.endpoint)
	if err != nil {
		return fmt.Errorf("bind broker to %s: %w", b.endpoint, err)
	}
	b.socket = sock
	b.sendFn = sock.SendMessage
	b.logger.WithField("endpoint", b.endpoint).Info("MDP broker/0.1 is active")
	return nil
}

// Close releases the broker socket.
func (b *Broker) Close() {
	if b.socket != nil {
		b.socket.Destroy()
		b.socket = nil
	}
}

// Run mediates between clients and workers until ctx is canceled.
func (b *Broker) Run(ctx context.Context) error {
	poller, err := czmq.NewPoller(b.socket)
	if err != nil {
		return fmt.Errorf("broker poller: %w", err)
	}
	defer poller.Destroy()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sock, err := poller.Wait(int(HeartbeatInterval / time.Millisecond))
		if err != nil {
			return fmt.Errorf("broker poll: %w", err)
		}
		if sock != nil {
			msg, err := sock.RecvMessage()
			if err != nil {
				return fmt.Errorf("broker recv: %w", err)
			}
			b.handle(msg)
		}

		b.purge()

		if !b.now().Before(b.heartbeatAt) {
			for _, worker := range b.waiting {
				b.sendToWorker(worker, CmdHeartbeat, nil)
			}
			b.heartbeatAt = b.now().Add(HeartbeatInterval)
		}
	}
}

// handle peels the routing envelope off one inbound message and routes
// it by protocol family.
func (b *Broker) handle(msg [][]byte) {
	dump(b.logger, msg)
	if len(msg) < 3 {
		b.logger.WithField("frames", len(msg)).Error("dropping short message")
		return
	}
	sender, empty, header := msg[0], msg[1], msg[2]
	if len(empty) != 0 {
		b.logger.Error("dropping message with missing delimiter")
		return
	}

	switch {
	case bytes.Equal(header, MdpcClient):
		metrics.IncBrokerMessage("client")
		b.processClient(sender, msg[3:])
	case bytes.Equal(header, MdpwWorker):
		b.processWorker(sender, msg[3:])
	default:
		b.logger.WithField("header", string(header)).Error("invalid message header")
	}
}

// processClient queues one client request, answering mmi.* inline.
func (b *Broker) processClient(sender []byte, msg [][]byte) {
	if len(msg) < 2 { // service name + body
		b.logger.Error("client message missing service or body")
		return
	}
	serviceName := msg[0]

	// Rewrite the envelope so the eventual reply routes back.
	req := make([][]byte, 0, len(msg)+1)
	req = append(req, sender, []byte{})
	req = append(req, msg[1:]...)

	if strings.HasPrefix(string(serviceName), MMINamespace) {
		b.processMMI(serviceName, req)
		return
	}
	s := b.requireService(string(serviceName))
	b.dispatch(s, req)
}

// processMMI implements the 8/MMI namespace. Only mmi.service is
// supported; everything else answers 501.
func (b *Broker) processMMI(serviceName []byte, req [][]byte) {
	code := "501"
	if string(serviceName) == MMIService {
		name := string(req[len(req)-1])
		if b.serviceHasWorkers(name) {
			code = "200"
		} else {
			code = "404"
		}
	}
	req[len(req)-1] = []byte(code)

	reply := make([][]byte, 0, len(req)+2)
	reply = append(reply, req[:2]...)
	reply = append(reply, MdpcClient, serviceName)
	reply = append(reply, req[2:]...)
	b.send(reply)
}

// processWorker handles one READY, REPLY, HEARTBEAT or DISCONNECT.
func (b *Broker) processWorker(sender []byte, msg [][]byte) {
	if len(msg) < 1 {
		b.logger.Error("worker message missing command")
		return
	}
	command := msg[0]
	msg = msg[1:]
	metrics.IncBrokerMessage(commandName(command))

	identity := hex.EncodeToString(sender)
	_, workerReady := b.workers[identity]
	worker := b.requireWorker(identity, sender)

	switch {
	case bytes.Equal(command, CmdReady):
		if len(msg) < 1 {
			b.logger.Error("READY missing service name")
			b.deleteWorker(worker, true)
			return
		}
		serviceName := string(msg[0])
		// A second READY, or registration under a reserved name,
		// is a protocol violation.
		if workerReady || strings.HasPrefix(serviceName, MMINamespace) {
			b.deleteWorker(worker, true)
			return
		}
		worker.service = b.requireService(serviceName)
		b.workerWaiting(worker)

	case bytes.Equal(command, CmdReply):
		if !workerReady {
			b.deleteWorker(worker, true)
			return
		}
		if len(msg) < 2 || len(msg[1]) != 0 {
			b.logger.Error("REPLY missing client envelope")
			b.deleteWorker(worker, true)
			return
		}
		client := msg[0]
		reply := make([][]byte, 0, len(msg)+2)
		reply = append(reply, client, []byte{}, MdpcClient, []byte(worker.service.name))
		reply = append(reply, msg[2:]...)
		b.send(reply)
		b.workerWaiting(worker)

	case bytes.Equal(command, CmdHeartbeat):
		if !workerReady {
			b.deleteWorker(worker, true)
			return
		}
		worker.expiry = b.now().Add(HeartbeatExpiry)

	case bytes.Equal(command, CmdDisconnect):
		b.deleteWorker(worker, false)

	default:
		b.logger.WithField("command", commandName(command)).Error("invalid worker command")
	}
}

// dispatch pairs queued requests with idle workers, FIFO on both sides.
func (b *Broker) dispatch(s *service, req [][]byte) {
	if req != nil {
		s.requests = append(s.requests, req)
	}
	b.purge()
	for len(s.waiting) > 0 && len(s.requests) > 0 {
		msg := s.requests[0]
		s.requests = s.requests[1:]
		worker := s.waiting[0]
		s.waiting = s.waiting[1:]
		b.waiting = removeWorker(b.waiting, worker)
		b.sendToWorker(worker, CmdRequest, msg)
		metrics.IncBrokerDispatch(s.name)
	}
}

// purge deletes expired idle workers. The waiting queue is ordered
// oldest to newest, so scanning stops at the first live worker.
func (b *Broker) purge() {
	now := b.now()
	for len(b.waiting) > 0 {
		worker := b.waiting[0]
		if worker.expiry.After(now) {
			break
		}
		b.logger.WithField("worker", worker.identity).Debug("deleting expired worker")
		metrics.IncBrokerPurged()
		b.deleteWorker(worker, false)
	}
}

// requireService locates a service by name, creating it if necessary.
func (b *Broker) requireService(name string) *service {
	s, ok := b.services[name]
	if !ok {
		s = &service{name: name}
		b.services[name] = s
		b.logger.WithField("service", name).Debug("added service")
	}
	return s
}

// requireWorker locates a worker by identity, registering it if necessary.
func (b *Broker) requireWorker(identity string, address []byte) *brokerWorker {
	worker, ok := b.workers[identity]
	if !ok {
		worker = &brokerWorker{
			identity: identity,
			address:  address,
			expiry:   b.now().Add(HeartbeatExpiry),
		}
		b.workers[identity] = worker
		b.logger.WithField("worker", identity).Debug("registering new worker")
	}
	return worker
}

// serviceHasWorkers reports whether at least one worker, idle or busy,
// is currently registered under the named service.
func (b *Broker) serviceHasWorkers(name string) bool {
	for _, worker := range b.workers {
		if worker.service != nil && worker.service.name == name {
			return true
		}
	}
	return false
}

// deleteWorker removes the worker from every data structure, optionally
// telling it to disconnect first.
func (b *Broker) deleteWorker(worker *brokerWorker, disconnect bool) {
	if disconnect {
		b.sendToWorker(worker, CmdDisconnect, nil)
	}
	if worker.service != nil {
		worker.service.waiting = removeWorker(worker.service.waiting, worker)
	}
	b.waiting = removeWorker(b.waiting, worker)
	delete(b.workers, worker.identity)
}

// workerWaiting queues the worker on the broker and service waiting
// lists, refreshes its expiry, and dispatches any queued work.
func (b *Broker) workerWaiting(worker *brokerWorker) {
	b.waiting = append(b.waiting, worker)
	worker.service.waiting = append(worker.service.waiting, worker)
	worker.expiry = b.now().Add(HeartbeatExpiry)
	b.dispatch(worker.service, nil)
}

// sendToWorker stacks the routing and protocol envelopes and sends.
func (b *Broker) sendToWorker(worker *brokerWorker, command []byte, msg [][]byte) {
	frames := make([][]byte, 0, len(msg)+4)
	frames = append(frames, worker.address, []byte{}, MdpwWorker, command)
	frames = append(frames, msg...)
	b.logger.WithFields(log.Fields{
		"command": commandName(command),
		"worker":  worker.identity,
	}).Debug("sending to worker")
	b.send(frames)
}

func (b *Broker) send(msg [][]byte) {
	dump(b.logger, msg)
	if err := b.sendFn(msg); err != nil {
		b.logger.WithError(err).Error("broker send failed")
	}
}

func removeWorker(workers []*brokerWorker, worker *brokerWorker) []*brokerWorker {
	for i, w := range workers {
		if w == worker {
			return append(workers[:i], workers[i+1:]...)
		}
	}
	return workers
}
