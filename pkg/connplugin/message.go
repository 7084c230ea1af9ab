// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package connplugin

import (
	"encoding/json"
	"errors"

	"github.com/samber/oops"
)

// CodeBadMessage marks a frame that is not a valid ClientMessage.
const CodeBadMessage = "BAD_MESSAGE"

// ErrBadMessage is wrapped by ReadMessage when a frame cannot be decoded.
// The connection is still usable.
var ErrBadMessage = errors.New("bad client message")

// ClientMessage is the JSON envelope clients send.
type ClientMessage struct {
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the JSON envelope the gateway sends. ID echoes the
// ClientMessage it answers, if any.
type ServerMessage struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server events shared by the builtin plugins.
const (
	EventError   = "error"
	EventWelcome = "welcome"
)

// ErrorPayload is the payload of an EventError message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReadMessage receives and decodes one client envelope.
func ReadMessage(conn Conn) (ClientMessage, error) {
	data, err := conn.Receive()
	if err != nil {
		return ClientMessage{}, err
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, oops.Code(CodeBadMessage).
			In("connplugin").
			With("conn", conn.ID()).
			Wrapf(ErrBadMessage, "decode client message: %v", err)
	}
	if msg.Action == "" {
		return ClientMessage{}, oops.Code(CodeBadMessage).
			In("connplugin").
			With("conn", conn.ID()).
			Wrapf(ErrBadMessage, "client message has no action")
	}
	return msg, nil
}

// WriteMessage encodes and sends one server envelope.
func WriteMessage(conn Conn, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return oops.In("connplugin").With("event", msg.Event).Wrapf(err, "encode server message")
	}
	return conn.Send(data)
}

// Reply builds a ServerMessage answering req with payload encoded as JSON.
func Reply(req ClientMessage, event string, payload any) (ServerMessage, error) {
	msg := ServerMessage{ID: req.ID, Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ServerMessage{}, oops.In("connplugin").With("event", event).Wrapf(err, "encode payload")
		}
		msg.Payload = raw
	}
	return msg, nil
}

// WriteError sends an EventError answering req.
func WriteError(conn Conn, req ClientMessage, code, message string) error {
	msg, err := Reply(req, EventError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	return WriteMessage(conn, msg)
}
