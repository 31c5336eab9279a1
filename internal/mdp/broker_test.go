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
	"encoding/hex"
	"testing"
	"time"
)

// testBroker wires a broker to a frame-capturing send function and a
// controllable clock, no socket involved.
type testBroker struct {
	*Broker
	sent [][][]byte
	time time.Time
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	tb := &testBroker{
		Broker: NewBroker("inproc://test"),
		time:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	tb.Broker.sendFn = func(msg [][]byte) error {
		cp := make([][]byte, len(msg))
		for i, f := range msg {
			cp[i] = append([]byte(nil), f...)
		}
		tb.sent = append(tb.sent, cp)
		return nil
	}
	tb.Broker.now = func() time.Time { return tb.time }
	return tb
}

func (tb *testBroker) advance(d time.Duration) { tb.time = tb.time.Add(d) }

func (tb *testBroker) ready(address []byte, service string) {
	tb.handle([][]byte{address, {}, MdpwWorker, CmdReady, []byte(service)})
}

func (tb *testBroker) clientRequest(address []byte, service string, body ...[]byte) {
	msg := [][]byte{address, {}, MdpcClient, []byte(service)}
	tb.handle(append(msg, body...))
}

func (tb *testBroker) lastSent(t *testing.T) [][]byte {
	t.Helper()
	if len(tb.sent) == 0 {
		t.Fatal("expected a sent message, got none")
	}
	return tb.sent[len(tb.sent)-1]
}

func TestBrokerReadyRegistersWorker(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")

	id := hex.EncodeToString([]byte("w1"))
	worker, ok := tb.workers[id]
	if !ok {
		t.Fatal("worker not registered after READY")
	}
	if worker.service == nil || worker.service.name != "title" {
		t.Fatalf("worker bound to %v, want title", worker.service)
	}
	if len(tb.waiting) != 1 {
		t.Fatalf("waiting = %d workers, want 1", len(tb.waiting))
	}
}

func TestBrokerDispatchPairsRequestWithWorker(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")
	tb.clientRequest([]byte("c1"), "title", []byte("https://example.com"))

	msg := tb.lastSent(t)
	// [worker, empty, MDPW01, REQUEST, client, empty, body]
	if !bytes.Equal(msg[0], []byte("w1")) {
		t.Fatalf("routed to %q, want w1", msg[0])
	}
	if !bytes.Equal(msg[2], MdpwWorker) || !bytes.Equal(msg[3], CmdRequest) {
		t.Fatalf("wrong protocol envelope: %q %q", msg[2], msg[3])
	}
	if !bytes.Equal(msg[4], []byte("c1")) {
		t.Fatalf("client envelope = %q, want c1", msg[4])
	}
	if !bytes.Equal(msg[len(msg)-1], []byte("https://example.com")) {
		t.Fatalf("body = %q", msg[len(msg)-1])
	}

	// The worker must no longer be idle.
	if len(tb.waiting) != 0 {
		t.Fatalf("waiting = %d workers after dispatch, want 0", len(tb.waiting))
	}
	s := tb.services["title"]
	if len(s.requests) != 0 || len(s.waiting) != 0 {
		t.Fatalf("service holds %d requests and %d idle workers after dispatch",
			len(s.requests), len(s.waiting))
	}
}

func TestBrokerQueuesRequestWithoutWorker(t *testing.T) {
	tb := newTestBroker(t)
	tb.clientRequest([]byte("c1"), "title", []byte("u1"))
	tb.clientRequest([]byte("c2"), "title", []byte("u2"))

	s := tb.services["title"]
	if len(s.requests) != 2 {
		t.Fatalf("queued %d requests, want 2", len(s.requests))
	}
	if len(tb.sent) != 0 {
		t.Fatalf("sent %d messages with no worker available", len(tb.sent))
	}

	// A worker arriving drains the queue FIFO.
	tb.ready([]byte("w1"), "title")
	msg := tb.lastSent(t)
	if !bytes.Equal(msg[len(msg)-1], []byte("u1")) {
		t.Fatalf("first dispatched body = %q, want u1", msg[len(msg)-1])
	}
	if len(s.requests) != 1 {
		t.Fatalf("queue length = %d after one dispatch, want 1", len(s.requests))
	}
}

func TestBrokerReplyRoutesBackToClient(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")
	tb.clientRequest([]byte("c1"), "title", []byte("req"))
	tb.sent = nil

	tb.handle([][]byte{
		[]byte("w1"), {}, MdpwWorker, CmdReply,
		[]byte("c1"), {}, []byte("result"),
	})

	msg := tb.lastSent(t)
	want := [][]byte{[]byte("c1"), {}, MdpcClient, []byte("title"), []byte("result")}
	if len(msg) != len(want) {
		t.Fatalf("reply has %d frames, want %d: %q", len(msg), len(want), msg)
	}
	for i := range want {
		if !bytes.Equal(msg[i], want[i]) {
			t.Fatalf("reply frame %d = %q, want %q", i, msg[i], want[i])
		}
	}

	// The worker went back to waiting.
	if len(tb.waiting) != 1 {
		t.Fatalf("waiting = %d workers after reply, want 1", len(tb.waiting))
	}
}

func TestBrokerSecondReadyDeletesWorker(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")
	tb.sent = nil

	tb.ready([]byte("w1"), "title")

	id := hex.EncodeToString([]byte("w1"))
	if _, ok := tb.workers[id]; ok {
		t.Fatal("worker still registered after second READY")
	}
	msg := tb.lastSent(t)
	if !bytes.Equal(msg[3], CmdDisconnect) {
		t.Fatalf("sent %q, want DISCONNECT", msg[3])
	}
}

func TestBrokerReadyForMMIServiceRejected(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "mmi.service")

	id := hex.EncodeToString([]byte("w1"))
	if _, ok := tb.workers[id]; ok {
		t.Fatal("worker registered under reserved mmi. name")
	}
}

func TestBrokerReplyFromUnknownWorkerDeletes(t *testing.T) {
	tb := newTestBroker(t)
	tb.handle([][]byte{
		[]byte("ghost"), {}, MdpwWorker, CmdReply,
		[]byte("c1"), {}, []byte("result"),
	})

	if len(tb.workers) != 0 {
		t.Fatalf("%d workers registered after stray REPLY, want 0", len(tb.workers))
	}
	msg := tb.lastSent(t)
	if !bytes.Equal(msg[3], CmdDisconnect) {
		t.Fatalf("sent %q, want DISCONNECT", msg[3])
	}
}

func TestBrokerHeartbeatFromUnknownWorkerDeletes(t *testing.T) {
	tb := newTestBroker(t)
	tb.handle([][]byte{[]byte("ghost"), {}, MdpwWorker, CmdHeartbeat})

	if len(tb.workers) != 0 {
		t.Fatalf("%d workers registered after stray HEARTBEAT, want 0", len(tb.workers))
	}
}

func TestBrokerHeartbeatRefreshesExpiry(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")

	tb.advance(HeartbeatExpiry - time.Millisecond)
	tb.handle([][]byte{[]byte("w1"), {}, MdpwWorker, CmdHeartbeat})
	tb.advance(HeartbeatExpiry - time.Millisecond)
	tb.purge()

	if len(tb.waiting) != 1 {
		t.Fatal("refreshed worker was purged")
	}
}

func TestBrokerPurgeDropsExpiredWorkers(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")
	tb.advance(HeartbeatInterval)
	tb.ready([]byte("w2"), "title")

	tb.advance(HeartbeatExpiry - HeartbeatInterval + time.Millisecond)
	tb.purge()

	if len(tb.waiting) != 1 {
		t.Fatalf("waiting = %d workers after purge, want 1", len(tb.waiting))
	}
	if tb.waiting[0].identity != hex.EncodeToString([]byte("w2")) {
		t.Fatal("purge removed the younger worker")
	}
	if tb.serviceHasWorkers("title") != true {
		t.Fatal("service lost its surviving worker")
	}
}

func TestBrokerDisconnectDropsWorkerSilently(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")
	tb.sent = nil

	tb.handle([][]byte{[]byte("w1"), {}, MdpwWorker, CmdDisconnect})

	if len(tb.workers) != 0 {
		t.Fatal("worker still registered after DISCONNECT")
	}
	if len(tb.sent) != 0 {
		t.Fatalf("broker answered a DISCONNECT with %d messages", len(tb.sent))
	}
}

func TestBrokerMMIService(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")

	cases := []struct {
		name    string
		service string
		query   string
		want    string
	}{
		{"registered service", MMIService, "title", "200"},
		{"unregistered service", MMIService, "favicon", "404"},
		{"unsupported mmi", "mmi.echo", "whatever", "501"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tb.sent = nil
			tb.clientRequest([]byte("c1"), tc.service, []byte(tc.query))

			msg := tb.lastSent(t)
			// [client, empty, MDPC01, service, status]
			if !bytes.Equal(msg[0], []byte("c1")) {
				t.Fatalf("reply routed to %q", msg[0])
			}
			if !bytes.Equal(msg[2], MdpcClient) || string(msg[3]) != tc.service {
				t.Fatalf("bad reply envelope: %q %q", msg[2], msg[3])
			}
			if got := string(msg[len(msg)-1]); got != tc.want {
				t.Fatalf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestBrokerMMIIgnoresQueuedRequests(t *testing.T) {
	tb := newTestBroker(t)
	// A lazily created service with queued requests but no worker must
	// still answer 404.
	tb.clientRequest([]byte("c1"), "title", []byte("u1"))
	tb.sent = nil

	tb.clientRequest([]byte("c2"), MMIService, []byte("title"))
	msg := tb.lastSent(t)
	if got := string(msg[len(msg)-1]); got != "404" {
		t.Fatalf("status = %s for workerless service, want 404", got)
	}
}

func TestBrokerDropsMalformedMessages(t *testing.T) {
	tb := newTestBroker(t)
	tb.handle([][]byte{[]byte("x")})                              // too short
	tb.handle([][]byte{[]byte("x"), []byte("y"), MdpcClient})     // no delimiter
	tb.handle([][]byte{[]byte("x"), {}, []byte("BOGUS"), {0x01}}) // bad header
	tb.handle([][]byte{[]byte("c"), {}, MdpcClient, []byte("s")}) // client missing body

	if len(tb.sent) != 0 || len(tb.workers) != 0 || len(tb.services) != 0 {
		t.Fatal("malformed input mutated broker state")
	}
}

func TestBrokerNeverLeavesWorkAndWorkerWaiting(t *testing.T) {
	tb := newTestBroker(t)
	tb.ready([]byte("w1"), "title")
	tb.ready([]byte("w2"), "title")
	for i := 0; i < 5; i++ {
		tb.clientRequest([]byte("c1"), "title", []byte{byte('0' + byte(i))})
	}

	s := tb.services["title"]
	if len(s.waiting) != 0 && len(s.requests) != 0 {
		t.Fatalf("service has %d idle workers and %d queued requests at once",
			len(s.waiting), len(s.requests))
	}
}
