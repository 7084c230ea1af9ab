// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package echo is the "echo" connection builtin. It answers "echo" with
// the request payload and "ping" with "pong".
package echo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/finalverse/finalverse/pkg/connplugin"
)

// Name is the builtin name.
const Name = "echo"

// DefaultPath is used when the manifest leaves path empty.
const DefaultPath = "/ws/echo"

// Server events.
const (
	EventEcho = "echo"
	EventPong = "pong"
)

func init() {
	connplugin.Register(Name, func() connplugin.Plugin { return &Plugin{logger: slog.Default()} })
}

// Plugin implements connplugin.Plugin and connplugin.Configurable.
type Plugin struct {
	logger *slog.Logger
}

// Name implements connplugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Path implements connplugin.Plugin.
func (p *Plugin) Path() string { return DefaultPath }

// Configure implements connplugin.Configurable.
func (p *Plugin) Configure(env connplugin.Env) error {
	if env.Logger != nil {
		p.logger = env.Logger
	}
	return nil
}

// NewHandler implements connplugin.Plugin.
func (p *Plugin) NewHandler() connplugin.Handler {
	return &handler{logger: p.logger}
}

type welcome struct {
	Conn string `json:"conn"`
}

type pong struct {
	Time time.Time `json:"time"`
}

type handler struct {
	logger *slog.Logger
	count  int
}

func (h *handler) ServeConn(ctx context.Context, conn connplugin.Conn) error {
	hello, err := connplugin.Reply(connplugin.ClientMessage{}, connplugin.EventWelcome, welcome{Conn: conn.ID()})
	if err != nil {
		return err
	}
	if err := connplugin.WriteMessage(conn, hello); err != nil {
		return err
	}
	defer func() { h.logger.Debug("echo session ended", "conn", conn.ID(), "messages", h.count) }()

	for ctx.Err() == nil {
		req, err := connplugin.ReadMessage(conn)
		switch {
		case errors.Is(err, connplugin.ErrBadMessage):
			if err := connplugin.WriteError(conn, req, connplugin.CodeBadMessage, err.Error()); err != nil {
				return err
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		h.count++
		var resp connplugin.ServerMessage
		switch req.Action {
		case "echo":
			resp = connplugin.ServerMessage{ID: req.ID, Event: EventEcho, Payload: req.Payload}
		case "ping":
			resp, err = connplugin.Reply(req, EventPong, pong{Time: time.Now().UTC()})
			if err != nil {
				return err
			}
		default:
			if err := connplugin.WriteError(conn, req, "UNKNOWN_ACTION", "unknown action "+req.Action); err != nil {
				return err
			}
			continue
		}
		if err := connplugin.WriteMessage(conn, resp); err != nil {
			return err
		}
	}
	return nil
}
