// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package process_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/internal/behavior/process"
	"github.com/finalverse/finalverse/pkg/behaviorsdk"
	"github.com/finalverse/finalverse/pkg/errutil"
)

type mockProtocol struct {
	mock.Mock
}

func (m *mockProtocol) Close() error { return nil }
func (m *mockProtocol) Ping() error  { return nil }
func (m *mockProtocol) Dispense(name string) (any, error) {
	args := m.Called(name)
	return args.Get(0), args.Error(1)
}

type fakeClient struct {
	protocol  hashiplug.ClientProtocol
	clientErr error
	killed    int
}

func (c *fakeClient) Client() (hashiplug.ClientProtocol, error) {
	if c.clientErr != nil {
		return nil, c.clientErr
	}
	return c.protocol, nil
}

func (c *fakeClient) Kill() { c.killed++ }

func manifest(name string) *behavior.Manifest {
	return &behavior.Manifest{
		Name:    name,
		Version: "1.0.0",
		Type:    behavior.TypeProcess,
		Topics:  []string{"events.world"},
		Process: &behavior.ProcessConfig{Executable: "behavior"},
	}
}

// pluginDir returns a directory holding a placeholder executable.
func pluginDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "behavior"), []byte("#!/bin/sh\n"), 0o600))
	return dir
}

func newHost(client *fakeClient) (*process.Host, *[]string) {
	var started []string
	h := process.NewHost(process.WithClientFactory(process.ClientFactoryFunc(func(path string) process.PluginClient {
		started = append(started, path)
		return client
	})))
	return h, &started
}

func TestHost_LoadAndDeliver(t *testing.T) {
	proto := &mockProtocol{}
	handler := behaviorsdk.HandlerFunc(func(_ context.Context, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
		return []behaviorsdk.Emit{{Topic: "events.echo", Payload: ev.Payload}}, nil
	})
	proto.On("Dispense", behaviorsdk.PluginName).Return(handler, nil)
	client := &fakeClient{protocol: proto}
	h, started := newHost(client)

	dir := pluginDir(t)
	require.NoError(t, h.Load(context.Background(), manifest("mirror"), dir))
	assert.Equal(t, []string{filepath.Join(dir, "behavior")}, *started)
	assert.Equal(t, []string{"mirror"}, h.Plugins())

	emits, err := h.Deliver(context.Background(), "mirror", behaviorsdk.Event{Topic: "events.world", Payload: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, []behaviorsdk.Emit{{Topic: "events.echo", Payload: []byte("hi")}}, emits)
	proto.AssertExpectations(t)
}

func TestHost_DeliverError(t *testing.T) {
	proto := &mockProtocol{}
	proto.On("Dispense", behaviorsdk.PluginName).Return(behaviorsdk.HandlerFunc(func(context.Context, behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
		return nil, errors.New("process crashed")
	}), nil)
	h, _ := newHost(&fakeClient{protocol: proto})
	require.NoError(t, h.Load(context.Background(), manifest("flaky"), pluginDir(t)))

	_, err := h.Deliver(context.Background(), "flaky", behaviorsdk.Event{Topic: "events.world"})
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "plugin", "flaky")
}

func TestHost_LoadFailuresKillTheProcess(t *testing.T) {
	tests := []struct {
		name   string
		client func() *fakeClient
	}{
		{"connect fails", func() *fakeClient {
			return &fakeClient{clientErr: errors.New("handshake failed")}
		}},
		{"dispense fails", func() *fakeClient {
			proto := &mockProtocol{}
			proto.On("Dispense", behaviorsdk.PluginName).Return(nil, errors.New("unknown plugin"))
			return &fakeClient{protocol: proto}
		}},
		{"wrong type", func() *fakeClient {
			proto := &mockProtocol{}
			proto.On("Dispense", behaviorsdk.PluginName).Return("not a handler", nil)
			return &fakeClient{protocol: proto}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := tt.client()
			h, _ := newHost(client)
			require.Error(t, h.Load(context.Background(), manifest("broken"), pluginDir(t)))
			assert.Equal(t, 1, client.killed)
			assert.Empty(t, h.Plugins())
		})
	}
}

func TestHost_LoadMissingExecutable(t *testing.T) {
	h, started := newHost(&fakeClient{})
	err := h.Load(context.Background(), manifest("ghost"), t.TempDir())
	require.Error(t, err)
	assert.Empty(t, *started)
}

func TestHost_UnloadAndClose(t *testing.T) {
	proto := &mockProtocol{}
	proto.On("Dispense", behaviorsdk.PluginName).Return(behaviorsdk.HandlerFunc(func(context.Context, behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
		return nil, nil
	}), nil)
	client := &fakeClient{protocol: proto}
	h, _ := newHost(client)
	dir := pluginDir(t)

	require.NoError(t, h.Load(context.Background(), manifest("one"), dir))
	errutil.AssertErrorCode(t, h.Load(context.Background(), manifest("one"), dir), behavior.CodeDuplicatePlugin)
	require.NoError(t, h.Unload(context.Background(), "one"))
	assert.Equal(t, 1, client.killed)
	errutil.AssertErrorCode(t, h.Unload(context.Background(), "one"), behavior.CodeNotLoaded)

	require.NoError(t, h.Load(context.Background(), manifest("two"), dir))
	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, 2, client.killed)
	assert.Empty(t, h.Plugins())
	errutil.AssertErrorCode(t, h.Load(context.Background(), manifest("three"), dir), behavior.CodeHostClosed)
}
