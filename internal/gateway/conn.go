// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package gateway

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/websocket"
)

// wsConn adapts a WebSocket to connplugin.Conn. Sends are serialized so a
// handler may write from bus callbacks and its own goroutine.
type wsConn struct {
	id string
	ws *websocket.Conn

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: ulid.Make().String(), ws: ws}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) RemoteAddr() string {
	if req := c.ws.Request(); req != nil {
		return req.RemoteAddr
	}
	return ""
}

func (c *wsConn) Receive() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return websocket.Message.Send(c.ws, string(data))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
