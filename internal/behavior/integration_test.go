// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

//go:build integration

package behavior_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/internal/behavior/capability"
	behaviorlua "github.com/finalverse/finalverse/internal/behavior/lua"
	"github.com/finalverse/finalverse/internal/behavior/process"
	behaviorwasm "github.com/finalverse/finalverse/internal/behavior/wasm"
	internalbus "github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/internal/sandbox"
	"github.com/finalverse/finalverse/internal/sandbox/sandboxtest"
	"github.com/finalverse/finalverse/pkg/behaviorsdk"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

const pluginsDir = "../../plugins/behaviors"

// speak is the event type the echo-bot answers.
const speak = 1

// inProcessProtocol dispenses a behavior client talking gRPC to a handler
// served on an in-memory listener, standing in for a plugin process.
type inProcessProtocol struct {
	client *behaviorsdk.Client
}

func (p *inProcessProtocol) Close() error { return nil }
func (p *inProcessProtocol) Ping() error  { return nil }
func (p *inProcessProtocol) Dispense(string) (any, error) {
	return p.client, nil
}

type inProcessClient struct {
	protocol hashiplug.ClientProtocol
	stop     func()
}

func (c *inProcessClient) Client() (hashiplug.ClientProtocol, error) { return c.protocol, nil }
func (c *inProcessClient) Kill()                                      { c.stop() }

func serveInProcess(h behaviorsdk.Handler) *inProcessClient {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	behaviorsdk.RegisterServer(srv, h)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	Expect(err).NotTo(HaveOccurred())

	return &inProcessClient{
		protocol: &inProcessProtocol{client: behaviorsdk.NewClient(conn)},
		stop: func() {
			_ = conn.Close()
			srv.Stop()
		},
	}
}

func reverse(_ context.Context, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
	out := make([]byte, len(ev.Payload))
	for i, b := range ev.Payload {
		out[len(out)-1-i] = b
	}
	return []behaviorsdk.Emit{{Topic: "events.echo", Payload: out}}, nil
}

var _ = Describe("Behavior plugins on the bus", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		bus     *internalbus.LocalBus
		rt      *sandbox.Runtime
		manager *behavior.Manager
		echoes  chan eventbus.Message
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		manager, rt = nil, nil
		bus = internalbus.NewLocalBus(internalbus.WithLogger(discardLogger()))

		echoes = make(chan eventbus.Message, 16)
		_, err := bus.Subscribe(ctx, "events.echo", eventbus.HandlerFunc(func(_ context.Context, msg eventbus.Message) error {
			echoes <- msg
			return nil
		}))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if manager != nil {
			Expect(manager.Close(ctx)).To(Succeed())
		}
		if rt != nil {
			Expect(rt.Close(ctx)).To(Succeed())
		}
		Expect(bus.Close()).To(Succeed())
		cancel()
	})

	Describe("the echo-bot lua plugin", func() {
		BeforeEach(func() {
			manager = behavior.NewManager(pluginsDir,
				behavior.WithHost(behavior.TypeLua, behaviorlua.NewHost(discardLogger())),
				behavior.WithBus(bus),
				behavior.WithLogger(discardLogger()))
			Expect(manager.LoadAll(ctx)).To(Succeed())
			Expect(manager.Start(ctx)).To(Succeed())
		})

		It("loads from the plugins directory", func() {
			Expect(manager.Plugins()).To(ConsistOf("echo-bot"))
			p, ok := manager.Plugin("echo-bot")
			Expect(ok).To(BeTrue())
			Expect(p.Manifest.Envelope).To(Equal(behavior.EnvelopeJSON))
		})

		It("echoes player speech", func() {
			ev := eventbus.NewEvent(eventbus.CategoryPlayer, speak, 7, "test", []byte("hello"))
			Expect(eventbus.PublishEvent(ctx, bus, eventbus.JSON, ev)).To(Succeed())

			var msg eventbus.Message
			Eventually(echoes).WithTimeout(5 * time.Second).Should(Receive(&msg))
			Expect(string(msg.Payload)).To(Equal("Echo: hello"))
		})

		It("ignores other event types", func() {
			ev := eventbus.NewEvent(eventbus.CategoryPlayer, speak+1, 7, "test", []byte("hello"))
			Expect(eventbus.PublishEvent(ctx, bus, eventbus.JSON, ev)).To(Succeed())
			Consistently(echoes, 200*time.Millisecond).ShouldNot(Receive())
		})

		It("stops delivering after unload", func() {
			Expect(manager.Unload(ctx, "echo-bot")).To(Succeed())
			ev := eventbus.NewEvent(eventbus.CategoryPlayer, speak, 7, "test", []byte("hello"))
			Expect(eventbus.PublishEvent(ctx, bus, eventbus.JSON, ev)).To(Succeed())
			Consistently(echoes, 200*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("a process plugin", func() {
		BeforeEach(func() {
			host := process.NewHost(
				process.WithLogger(discardLogger()),
				process.WithClientFactory(process.ClientFactoryFunc(func(string) process.PluginClient {
					return serveInProcess(behaviorsdk.HandlerFunc(reverse))
				})),
			)
			manager = behavior.NewManager(pluginsDir,
				behavior.WithHost(behavior.TypeProcess, host),
				behavior.WithBus(bus),
				behavior.WithLogger(discardLogger()))

			// The mirror manifest names an executable built out of band.
			dir := GinkgoT().TempDir()
			Expect(os.WriteFile(filepath.Join(dir, "mirror"), nil, 0o600)).To(Succeed())
			data, err := os.ReadFile(filepath.Join(pluginsDir, "mirror", behavior.ManifestFile))
			Expect(err).NotTo(HaveOccurred())
			man, err := behavior.ParseManifest(data)
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.Load(ctx, &behavior.Plugin{Manifest: man, Dir: dir})).To(Succeed())
			Expect(manager.Start(ctx)).To(Succeed())
		})

		It("round-trips events over gRPC", func() {
			Expect(bus.Publish(ctx, "events.world", []byte("abc"))).To(Succeed())

			var msg eventbus.Message
			Eventually(echoes).WithTimeout(5 * time.Second).Should(Receive(&msg))
			Expect(msg.Payload).To(Equal([]byte("cba")))
		})
	})

	Describe("a wasm plugin", func() {
		BeforeEach(func() {
			enforcer := capability.NewEnforcer()

			var err error
			rt, err = sandbox.NewRuntime(ctx,
				sandbox.WithLogger(discardLogger()),
				sandbox.WithCallTimeout(time.Second),
				sandbox.WithHostFunctions(behaviorwasm.HostFunctions(bus, enforcer, discardLogger())...),
			)
			Expect(err).NotTo(HaveOccurred())
			manager = behavior.NewManager(GinkgoT().TempDir(),
				behavior.WithHost(behavior.TypeWasm, behaviorwasm.NewHost(rt, discardLogger())),
				behavior.WithEnforcer(enforcer),
				behavior.WithBus(bus),
				behavior.WithLogger(discardLogger()))

			dir := GinkgoT().TempDir()
			Expect(os.WriteFile(filepath.Join(dir, "echo.wasm"), sandboxtest.Publisher("events.echo"), 0o600)).To(Succeed())
			Expect(manager.Load(ctx, &behavior.Plugin{
				Manifest: &behavior.Manifest{
					Name:         "echo",
					Version:      "1.0.0",
					Type:         behavior.TypeWasm,
					Topics:       []string{"events.player"},
					Capabilities: []string{"publish.events.echo"},
					Wasm:         &behavior.WasmConfig{Module: "echo.wasm", Instances: 2},
				},
				Dir: dir,
			})).To(Succeed())
			Expect(manager.Start(ctx)).To(Succeed())
		})

		It("publishes through the granted host function", func() {
			Expect(bus.Publish(ctx, "events.player", []byte("ping"))).To(Succeed())

			var msg eventbus.Message
			Eventually(echoes).WithTimeout(5 * time.Second).Should(Receive(&msg))
			Expect(msg.Payload).To(Equal([]byte("ping")))
		})
	})
})
