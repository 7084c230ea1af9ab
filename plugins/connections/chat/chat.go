// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package chat is the "chat" connection builtin. Clients join rooms and
// say lines; lines travel over the event bus so every gateway attached to
// the same bus sees them.
//
// Client actions:
//
//	nick  {"name": "ada"}
//	join  {"room": "lobby"}
//	leave {"room": "lobby"}
//	say   {"room": "lobby", "text": "hello"}
//	rooms
//
// Settings: topic_prefix (default "chat.rooms") and max_rooms (default 8).
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/pkg/errutil"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// Name is the builtin name.
const Name = "chat"

// DefaultPath is used when the manifest leaves path empty.
const DefaultPath = "/ws/chat"

// Defaults for the plugin settings.
const (
	DefaultTopicPrefix = "chat.rooms"
	DefaultMaxRooms    = 8
	MaxTextLength      = 1024
)

// Server events.
const (
	EventNick    = "nick"
	EventJoined  = "joined"
	EventLeft    = "left"
	EventSent    = "sent"
	EventRooms   = "rooms"
	EventMessage = "message"
)

// Error codes sent to clients.
const (
	CodeUnknownAction = "UNKNOWN_ACTION"
	CodeInvalidArgs   = "INVALID_ARGUMENTS"
	CodeNotJoined     = "NOT_JOINED"
	CodeTooManyRooms  = "TOO_MANY_ROOMS"
	CodeUnavailable   = "UNAVAILABLE"
)

var (
	roomPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)
	nickPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,24}$`)
)

func init() {
	connplugin.Register(Name, func() connplugin.Plugin { return &Plugin{} })
}

// Line is one chat line as carried on the bus and sent to clients.
type Line struct {
	Room string    `json:"room"`
	From string    `json:"from"`
	Conn string    `json:"conn"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Plugin implements connplugin.Plugin and connplugin.Configurable.
type Plugin struct {
	bus      eventbus.Bus
	logger   *slog.Logger
	prefix   string
	maxRooms int
}

// Name implements connplugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Path implements connplugin.Plugin.
func (p *Plugin) Path() string { return DefaultPath }

// Configure implements connplugin.Configurable. Chat needs a bus.
func (p *Plugin) Configure(env connplugin.Env) error {
	if env.Bus == nil {
		return oops.In("chat").Hint("start the gateway with an event bus").Errorf("chat needs an event bus")
	}
	p.bus = env.Bus
	p.logger = env.Logger
	if p.logger == nil {
		p.logger = slog.Default()
	}

	p.prefix = DefaultTopicPrefix
	if v, ok := env.Config["topic_prefix"].(string); ok && v != "" {
		p.prefix = strings.TrimSuffix(v, ".")
	}
	if err := eventbus.ValidatePublishTopic(p.prefix + ".room"); err != nil {
		return oops.In("chat").With("topic_prefix", p.prefix).Wrapf(err, "invalid topic prefix")
	}

	p.maxRooms = DefaultMaxRooms
	switch v := env.Config["max_rooms"].(type) {
	case int:
		p.maxRooms = v
	case float64:
		p.maxRooms = int(v)
	}
	if p.maxRooms < 1 {
		return oops.In("chat").With("max_rooms", p.maxRooms).Errorf("max_rooms must be positive")
	}
	return nil
}

// Topic returns the bus topic of room.
func (p *Plugin) Topic(room string) string {
	return p.prefix + "." + room
}

// NewHandler implements connplugin.Plugin.
func (p *Plugin) NewHandler() connplugin.Handler {
	return &handler{plugin: p, rooms: make(map[string]eventbus.Subscription)}
}

type handler struct {
	plugin *Plugin
	conn   connplugin.Conn
	nick   string
	rooms  map[string]eventbus.Subscription
}

type args struct {
	Name string `json:"name"`
	Room string `json:"room"`
	Text string `json:"text"`
}

type welcome struct {
	Conn string `json:"conn"`
	Nick string `json:"nick"`
}

func (h *handler) ServeConn(ctx context.Context, conn connplugin.Conn) error {
	h.conn = conn
	h.nick = "guest-" + shortID(conn.ID())
	defer h.leaveAll()

	hello, err := connplugin.Reply(connplugin.ClientMessage{}, connplugin.EventWelcome, welcome{Conn: conn.ID(), Nick: h.nick})
	if err != nil {
		return err
	}
	if err := connplugin.WriteMessage(conn, hello); err != nil {
		return err
	}

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

		if err := h.dispatch(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// dispatch handles one request. Client mistakes are answered with an error
// event; only transport failures are returned.
func (h *handler) dispatch(ctx context.Context, req connplugin.ClientMessage) error {
	var a args
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &a); err != nil {
			return connplugin.WriteError(h.conn, req, CodeInvalidArgs, "payload must be an object")
		}
	}

	switch req.Action {
	case "nick":
		if !nickPattern.MatchString(a.Name) {
			return connplugin.WriteError(h.conn, req, CodeInvalidArgs, "nick must be 1-24 letters, digits, '-' or '_'")
		}
		h.nick = a.Name
		return h.reply(req, EventNick, map[string]string{"name": h.nick})

	case "join":
		if !roomPattern.MatchString(a.Room) {
			return connplugin.WriteError(h.conn, req, CodeInvalidArgs, "invalid room name")
		}
		if _, ok := h.rooms[a.Room]; !ok {
			if len(h.rooms) >= h.plugin.maxRooms {
				return connplugin.WriteError(h.conn, req, CodeTooManyRooms, "leave a room first")
			}
			sub, err := h.plugin.bus.Subscribe(ctx, h.plugin.Topic(a.Room), eventbus.HandlerFunc(h.forward))
			if err != nil {
				errutil.LogWarn(h.plugin.logger, "chat subscribe failed", err)
				return connplugin.WriteError(h.conn, req, CodeUnavailable, "could not join room")
			}
			h.rooms[a.Room] = sub
		}
		return h.reply(req, EventJoined, map[string]string{"room": a.Room})

	case "leave":
		sub, ok := h.rooms[a.Room]
		if !ok {
			return connplugin.WriteError(h.conn, req, CodeNotJoined, "not in room "+a.Room)
		}
		delete(h.rooms, a.Room)
		if err := sub.Unsubscribe(); err != nil {
			errutil.LogWarn(h.plugin.logger, "chat unsubscribe failed", err)
		}
		return h.reply(req, EventLeft, map[string]string{"room": a.Room})

	case "say":
		if _, ok := h.rooms[a.Room]; !ok {
			return connplugin.WriteError(h.conn, req, CodeNotJoined, "join the room before speaking")
		}
		text := strings.TrimSpace(a.Text)
		if text == "" || len(text) > MaxTextLength {
			return connplugin.WriteError(h.conn, req, CodeInvalidArgs, "text must be 1-1024 bytes")
		}
		line := Line{Room: a.Room, From: h.nick, Conn: h.conn.ID(), Text: text, Time: time.Now().UTC()}
		data, err := eventbus.JSON.Marshal(line)
		if err != nil {
			return err
		}
		if err := h.plugin.bus.Publish(ctx, h.plugin.Topic(a.Room), data); err != nil {
			errutil.LogWarn(h.plugin.logger, "chat publish failed", err)
			return connplugin.WriteError(h.conn, req, CodeUnavailable, "message not delivered")
		}
		return h.reply(req, EventSent, map[string]string{"room": a.Room})

	case "rooms":
		return h.reply(req, EventRooms, map[string][]string{"rooms": slices.Sorted(maps.Keys(h.rooms))})

	default:
		return connplugin.WriteError(h.conn, req, CodeUnknownAction, "unknown action "+req.Action)
	}
}

// forward relays a bus line to the client. It runs on the subscription
// goroutine.
func (h *handler) forward(_ context.Context, msg eventbus.Message) error {
	var line Line
	if err := eventbus.JSON.Unmarshal(msg.Payload, &line); err != nil {
		return oops.In("chat").With("topic", msg.Topic).Wrapf(err, "decode chat line")
	}
	out, err := connplugin.Reply(connplugin.ClientMessage{}, EventMessage, line)
	if err != nil {
		return err
	}
	if err := connplugin.WriteMessage(h.conn, out); err != nil {
		h.plugin.logger.Debug("dropping chat line for closed connection", "conn", h.conn.ID(), "room", line.Room)
	}
	return nil
}

func (h *handler) reply(req connplugin.ClientMessage, event string, payload any) error {
	msg, err := connplugin.Reply(req, event, payload)
	if err != nil {
		return err
	}
	return connplugin.WriteMessage(h.conn, msg)
}

func (h *handler) leaveAll() {
	for room, sub := range h.rooms {
		if err := sub.Unsubscribe(); err != nil {
			errutil.LogWarn(h.plugin.logger, "chat unsubscribe failed", err)
		}
		delete(h.rooms, room)
	}
}

func shortID(id string) string {
	if len(id) <= 6 {
		return strings.ToLower(id)
	}
	return strings.ToLower(id[len(id)-6:])
}
