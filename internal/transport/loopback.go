// Package transport defines the contract between the relay core and a
// channel transport. This file provides the loopback transport: an
// in-process implementation used by development mode and tests. It pairs
// instantly (or emits a fixed pairing code first), acknowledges every send
// with a generated id, and lets callers inject arbitrary events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// ErrConnClosed is returned by Send after the loopback connection closed.
var ErrConnClosed = errors.New("transport: connection closed")

// Loopback implements Transport in process.
type Loopback struct {
	// Handle reported on Opened.
	Handle string
	// PairCode, when set and Connect receives nil credentials, is emitted as
	// a Pairing event before the connection opens.
	PairCode string
	// ConnectErr, when set, fails every Connect call.
	ConnectErr error
	// SendErr, when set, fails every Send call.
	SendErr error
	// SendDelay simulates transport latency on Send.
	SendDelay time.Duration

	mu    sync.Mutex
	conns []*LoopbackConn
	seq   int
}

// Connect implements Transport.
func (l *Loopback) Connect(ctx context.Context, creds []byte) (Conn, error) {
	if l.ConnectErr != nil {
		return nil, l.ConnectErr
	}
	c := &LoopbackConn{
		parent: l,
		events: make(chan Event, 64),
	}
	l.mu.Lock()
	l.conns = append(l.conns, c)
	l.mu.Unlock()

	if l.PairCode != "" && creds == nil {
		c.events <- Pairing{Code: l.PairCode}
	}
	handle := l.Handle
	if handle == "" {
		handle = "loopback"
	}
	c.events <- Opened{Handle: handle, Credentials: []byte("loopback-session")}
	return c, nil
}

// LastConn returns the most recently opened connection, or nil.
func (l *Loopback) LastConn() *LoopbackConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.conns) == 0 {
		return nil
	}
	return l.conns[len(l.conns)-1]
}

// ConnCount returns how many connections Connect has produced.
func (l *Loopback) ConnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// LoopbackConn is one loopback connection.
type LoopbackConn struct {
	parent *Loopback

	mu     sync.Mutex
	closed bool
	sent   []SentRecord

	events chan Event
}

// SentRecord captures one Send call for test inspection.
type SentRecord struct {
	Target  domain.Target
	Payload Payload
	AckID   string
}

// Events implements Conn.
func (c *LoopbackConn) Events() <-chan Event { return c.events }

// Send implements Conn. Every send is acknowledged with a fresh id unless
// the parent transport is configured to fail.
func (c *LoopbackConn) Send(ctx context.Context, target domain.Target, payload Payload) (Ack, error) {
	if d := c.parent.SendDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		}
	}
	if err := c.parent.SendErr; err != nil {
		return Ack{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Ack{}, ErrConnClosed
	}

	c.parent.mu.Lock()
	c.parent.seq++
	id := fmt.Sprintf("lb-%d", c.parent.seq)
	c.parent.mu.Unlock()

	c.sent = append(c.sent, SentRecord{Target: target, Payload: payload, AckID: id})
	return Ack{ChannelMessageID: id, Timestamp: time.Now().UTC()}, nil
}

// Close implements Conn.
func (c *LoopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Emit injects an event into the connection's stream. No-op after Close.
func (c *LoopbackConn) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// EmitClosed delivers a Closed event and then closes the stream, mirroring
// how a real transport ends.
func (c *LoopbackConn) EmitClosed(cause string, loggedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- Closed{Cause: cause, LoggedOut: loggedOut}
	close(c.events)
}

// Sent returns a copy of the send log.
func (c *LoopbackConn) Sent() []SentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentRecord, len(c.sent))
	copy(out, c.sent)
	return out
}
