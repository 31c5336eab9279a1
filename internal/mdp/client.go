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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	czmq "github.com/zeromq/goczmq"
)

// DefaultClientTimeout bounds one Recv on the client socket.
const DefaultClientTimeout = 2500 * time.Millisecond

// Client is one MDP v0.1 client connection. Requests are fire-and-poll:
// Send never blocks on the broker and Recv returns (nil, nil) when the
// timeout passes without a reply. Not safe for concurrent use.
type Client struct {
	endpoint string
	timeout  time.Duration

	socket *czmq.Sock
	poller *czmq.Poller

	logger *log.Entry
}

// NewClient creates a client for the given broker endpoint. A
// non-positive timeout means DefaultClientTimeout.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		endpoint: endpoint,
		timeout:  timeout,
		logger:   log.WithField("component", "client"),
	}
}

// Connect dials the broker. Any previous socket is torn down first.
func (c *Client) Connect() error {
	c.Close()

	sock, err := czmq.NewDealer(c.endpoint)
	if err != nil {
		return fmt.Errorf("connect client to %s: %w", c.endpoint, err)
	}
	poller, err := czmq.NewPoller(sock)
	if err != nil {
		sock.Destroy()
		return fmt.Errorf("client poller: %w", err)
	}
	c.socket = sock
	c.poller = poller
	c.logger.WithField("endpoint", c.endpoint).Debug("connecting to broker")
	return nil
}

// Close releases the client socket.
func (c *Client) Close() {
	if c.poller != nil {
		c.poller.Destroy()
		c.poller = nil
	}
	if c.socket != nil {
		c.socket.Destroy()
		c.socket = nil
	}
}

// Send queues one request for the named service.
func (c *Client) Send(service string, body ...[]byte) error {
	if c.socket == nil {
		if err := c.Connect(); err != nil {
			return err
		}
	}
	frames := make([][]byte, 0, len(body)+3)
	frames = append(frames, []byte{}, MdpcClient, []byte(service))
	frames = append(frames, body...)

	c.logger.WithField("service", service).Debug("sending request")
	dump(c.logger, frames)
	if err := c.socket.SendMessage(frames); err != nil {
		return fmt.Errorf("client send to %s: %w", service, err)
	}
	return nil
}

// Recv waits up to the client timeout for one reply and returns its
// body frames. A timeout returns (nil, nil); the request may still be
// delivered and its reply discarded later.
func (c *Client) Recv() ([][]byte, error) {
	if c.socket == nil {
		return nil, fmt.Errorf("client recv: not connected")
	}

	sock, err := c.poller.Wait(int(c.timeout / time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("client poll: %w", err)
	}
	if sock == nil {
		return nil, nil
	}

	msg, err := sock.RecvMessage()
	if err != nil {
		return nil, fmt.Errorf("client recv: %w", err)
	}
	dump(c.logger, msg)

	// [empty, MDPC01, service, body...]
	if len(msg) < 4 || len(msg[0]) != 0 || !bytes.Equal(msg[1], MdpcClient) {
		return nil, fmt.Errorf("client recv: malformed reply (%d frames)", len(msg))
	}
	return msg[3:], nil
}
