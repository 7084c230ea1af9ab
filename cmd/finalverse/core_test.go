// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	internalbus "github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/pkg/eventbus"
	"github.com/finalverse/finalverse/plugins/greeter"
)

// testListeners hands out pre-bound listeners keyed by the configured
// address, so tests learn the real ports before the process starts.
type testListeners map[string]net.Listener

func (l testListeners) listen(_, address string) (net.Listener, error) {
	lis, ok := l[address]
	if !ok {
		return nil, fmt.Errorf("unexpected listen on %s", address)
	}
	return lis, nil
}

func newListener(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	return lis
}

// runningProcess runs fn until the test ends and reports its result.
type runningProcess struct {
	cancel context.CancelFunc
	exited chan struct{}
	err    error
}

func (p *runningProcess) stop(t *testing.T) error {
	t.Helper()
	p.cancel()
	select {
	case <-p.exited:
		return p.err
	case <-time.After(10 * time.Second):
		t.Fatal("process did not shut down")
		return nil
	}
}

// startProcess runs the process and waits until it reports ready. The
// process is stopped when the test ends, even after a failed assertion.
func startProcess(t *testing.T, run func(ctx context.Context, onReady func()) error) *runningProcess {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := &runningProcess{cancel: cancel, exited: make(chan struct{})}
	t.Cleanup(func() {
		cancel()
		select {
		case <-p.exited:
		case <-time.After(10 * time.Second):
		}
	})

	ready := make(chan struct{})
	go func() {
		p.err = run(ctx, func() { close(ready) })
		close(p.exited)
	}()

	select {
	case <-ready:
	case <-p.exited:
		t.Fatalf("process exited before ready: %v", p.err)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not become ready")
	}
	return p
}

// copyBehavior copies one bundled behavior plugin into a fresh directory.
func copyBehavior(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.CopyFS(filepath.Join(dir, name), os.DirFS(filepath.Join("..", "..", "plugins", "behaviors", name))))
	return dir
}

func TestCoreCommand_Flags(t *testing.T) {
	cmd := NewCoreCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	for _, flag := range []string{"--http-addr", "--grpc-addr", "--metrics-addr", "--plugin-dir", "--builtins", "--behavior-dir", "--log-format", "--bus"} {
		assert.Contains(t, buf.String(), flag)
	}
}

func TestCoreCommand_DefaultValues(t *testing.T) {
	cmd := NewCoreCmd()

	grpcAddr, err := cmd.Flags().GetString("grpc-addr")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", grpcAddr)

	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", metricsAddr)

	transport, err := cmd.Flags().GetString("bus")
	require.NoError(t, err)
	assert.Equal(t, "local", transport)
}

func TestCoreCommand_InvalidConfig(t *testing.T) {
	cmd := NewCoreCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--bus", "carrier-pigeon"}))

	err := runCoreWithDeps(context.Background(), cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus transport")
}

func TestCoreCommand_BusFailure(t *testing.T) {
	cmd := NewCoreCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--metrics-addr", ""}))

	deps := &CoreDeps{processDeps: processDeps{
		BusFactory: func(context.Context, internalbus.Config, *slog.Logger, *internalbus.Metrics) (eventbus.Bus, error) {
			return nil, errors.New("no route to broker")
		},
	}}
	err := runCoreWithDeps(context.Background(), cmd, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to broker")
}

func TestCoreCommand_ServesPlugins(t *testing.T) {
	httpLis, grpcLis := newListener(t), newListener(t)
	listeners := testListeners{"http.test:0": httpLis, "grpc.test:0": grpcLis}

	var bus eventbus.Bus
	echoes := make(chan string, 4)

	cmd := NewCoreCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--http-addr", "http.test:0",
		"--grpc-addr", "grpc.test:0",
		"--metrics-addr", "",
		"--plugin-dir", t.TempDir(),
		"--builtins", "greeter,health",
		"--behavior-dir", copyBehavior(t, "echo-bot"),
		"--log-level", "error",
	}))
	out := new(bytes.Buffer)
	cmd.SetOut(out)

	proc := startProcess(t, func(ctx context.Context, onReady func()) error {
		return runCoreWithDeps(ctx, cmd, &CoreDeps{processDeps: processDeps{
			ListenerFactory: listeners.listen,
			BusFactory: func(ctx context.Context, cfg internalbus.Config, logger *slog.Logger, m *internalbus.Metrics) (eventbus.Bus, error) {
				b, err := internalbus.New(ctx, cfg, logger, m)
				bus = b
				return b, err
			},
			OnReady: func() {
				_, err := bus.Subscribe(context.Background(), "events.echo", eventbus.HandlerFunc(func(_ context.Context, msg eventbus.Message) error {
					echoes <- string(msg.Payload)
					return nil
				}))
				if err != nil {
					panic(err)
				}
				onReady()
			},
		}})
	})

	base := "http://" + httpLis.Addr().String()

	resp, err := http.Get(base + "/greeter/greet?name=Ada")
	require.NoError(t, err)
	var greet greeter.GreetResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&greet))
	resp.Body.Close()
	assert.Equal(t, "Hello, Ada!", greet.Message)

	// greeter announces on events.player; the lua behavior answers.
	select {
	case got := <-echoes:
		assert.Equal(t, "Echo: Hello, Ada!", got)
	case <-time.After(5 * time.Second):
		t.Fatal("behavior did not echo the greeting")
	}

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	in, err := structpb.NewStruct(map[string]any{"name": "Bo", "style": "pirate"})
	require.NoError(t, err)
	reply := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, greeter.GreetMethod, in, reply))
	assert.Equal(t, "Ahoy there, Bo ye scallywag!", reply.GetFields()["message"].GetStringValue())

	require.NoError(t, proc.stop(t))
	assert.Contains(t, out.String(), "Core process started")
}

func TestCoreCommand_ListenFailure(t *testing.T) {
	cmd := NewCoreCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--metrics-addr", "",
		"--plugin-dir", t.TempDir(),
		"--behavior-dir", t.TempDir(),
	}))

	deps := &CoreDeps{processDeps: processDeps{
		ListenerFactory: func(string, string) (net.Listener, error) {
			return nil, errors.New("address in use")
		},
	}}
	err := runCoreWithDeps(context.Background(), cmd, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}
