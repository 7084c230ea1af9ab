// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package echo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/pkg/connplugin/connplugintest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func serve(t *testing.T) (*connplugintest.Conn, <-chan error) {
	t.Helper()
	entry, ok := connplugin.Lookup(Name)
	require.True(t, ok)
	p := entry()
	require.NoError(t, p.(connplugin.Configurable).Configure(connplugin.Env{}))
	assert.Equal(t, DefaultPath, p.Path())

	conn := connplugintest.NewConn("c1")
	done := make(chan error, 1)
	go func() { done <- p.NewHandler().ServeConn(context.Background(), conn) }()

	hello := conn.Next(t)
	require.Equal(t, connplugin.EventWelcome, hello.Event)
	assert.JSONEq(t, `{"conn":"c1"}`, string(hello.Payload))
	return conn, done
}

func TestEcho(t *testing.T) {
	conn, done := serve(t)

	conn.PushMessage(t, connplugin.ClientMessage{ID: "1", Action: "echo", Payload: json.RawMessage(`{"text":"hi"}`)})
	msg := conn.Next(t)
	assert.Equal(t, "1", msg.ID)
	assert.Equal(t, EventEcho, msg.Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Payload))

	conn.PushMessage(t, connplugin.ClientMessage{ID: "2", Action: "ping"})
	msg = conn.Next(t)
	assert.Equal(t, "2", msg.ID)
	assert.Equal(t, EventPong, msg.Event)

	require.NoError(t, conn.Close())
	assert.NoError(t, <-done)
}

func TestErrorsKeepTheSession(t *testing.T) {
	conn, done := serve(t)

	conn.Push([]byte("not json"))
	msg := conn.Next(t)
	require.Equal(t, connplugin.EventError, msg.Event)
	var payload connplugin.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, connplugin.CodeBadMessage, payload.Code)

	conn.PushMessage(t, connplugin.ClientMessage{ID: "7", Action: "dance"})
	msg = conn.Next(t)
	assert.Equal(t, "7", msg.ID)
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "UNKNOWN_ACTION", payload.Code)

	conn.PushMessage(t, connplugin.ClientMessage{Action: "echo", Payload: json.RawMessage(`1`)})
	assert.Equal(t, EventEcho, conn.Next(t).Event)

	require.NoError(t, conn.Close())
	assert.NoError(t, <-done)
}
