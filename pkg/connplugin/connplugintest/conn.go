// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package connplugintest provides an in-memory connplugin.Conn.
package connplugintest

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/finalverse/finalverse/pkg/connplugin"
)

// Conn is a connection whose client side is driven by the test.
type Conn struct {
	id   string
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

var _ connplugin.Conn = (*Conn)(nil)

// NewConn returns an open connection.
func NewConn(id string) *Conn {
	return &Conn{
		id:   id,
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

// ID implements connplugin.Conn.
func (c *Conn) ID() string { return c.id }

// RemoteAddr implements connplugin.Conn.
func (c *Conn) RemoteAddr() string { return "pipe" }

// Receive implements connplugin.Conn. It returns io.EOF once the
// connection is closed.
func (c *Conn) Receive() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	}
}

// Send implements connplugin.Conn.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- append([]byte(nil), data...):
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

// Close implements connplugin.Conn.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Push delivers a raw frame from the client.
func (c *Conn) Push(data []byte) {
	c.in <- data
}

// PushMessage delivers a client envelope.
func (c *Conn) PushMessage(t testing.TB, msg connplugin.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode client message: %v", err)
	}
	c.Push(data)
}

// Next waits for the next server envelope.
func (c *Conn) Next(t testing.TB) connplugin.ServerMessage {
	t.Helper()
	select {
	case data := <-c.out:
		var msg connplugin.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode server message %q: %v", data, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server message")
		return connplugin.ServerMessage{}
	}
}

// Quiet fails the test if a server message arrives within d.
func (c *Conn) Quiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected server message %s", data)
	case <-time.After(d):
	}
}
