// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

//go:build integration

package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"golang.org/x/net/websocket"

	internalbus "github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/internal/gateway"
	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/plugins/connections/chat"
	_ "github.com/finalverse/finalverse/plugins/connections/echo"
)

const connectionsDir = "../../plugins/connections"

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func send(ws *websocket.Conn, id, action, payload string) {
	msg := connplugin.ClientMessage{ID: id, Action: action}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	Expect(websocket.JSON.Send(ws, msg)).To(Succeed())
}

func receive(ws *websocket.Conn) connplugin.ServerMessage {
	var msg connplugin.ServerMessage
	Expect(ws.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	Expect(websocket.JSON.Receive(ws, &msg)).To(Succeed())
	return msg
}

var _ = Describe("Gateway with the bundled connection plugins", func() {
	var (
		bus      *internalbus.LocalBus
		registry *gateway.Registry
		srv      *httptest.Server
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		bus = internalbus.NewLocalBus()

		d := gateway.NewDiscoverer(
			gateway.WithEnv(connplugin.Env{Bus: bus}),
			gateway.WithDiscoverLogger(logger),
		)
		var err error
		registry, err = gateway.NewRegistry(gateway.WithLogger(logger))
		Expect(err).NotTo(HaveOccurred())
		Expect(gateway.BindAll(registry, d.Discover(context.Background(), connectionsDir))).To(Succeed())
		Expect(d.Failures()).To(BeEmpty())

		mux := http.NewServeMux()
		Expect(registry.Mount(mux)).To(Succeed())
		srv = httptest.NewServer(mux)
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(registry.Shutdown(ctx)).To(Succeed())
		srv.Close()
		Expect(bus.Close()).To(Succeed())
	})

	It("binds echo and chat from their manifests", func() {
		paths := make([]string, 0, 2)
		for _, b := range registry.Bindings() {
			paths = append(paths, b.Path)
		}
		slices.Sort(paths)
		Expect(paths).To(Equal([]string{"/ws/chat", "/ws/echo"}))
	})

	It("echoes payloads", func() {
		ws, err := websocket.Dial(wsURL(srv, "/ws/echo"), "", "http://localhost/")
		Expect(err).NotTo(HaveOccurred())
		defer ws.Close()

		Expect(receive(ws).Event).To(Equal(connplugin.EventWelcome))
		send(ws, "1", "echo", `{"say":"hi"}`)
		reply := receive(ws)
		Expect(reply.ID).To(Equal("1"))
		Expect(string(reply.Payload)).To(MatchJSON(`{"say":"hi"}`))
	})

	It("relays chat lines between connections through the bus", func() {
		ada, err := websocket.Dial(wsURL(srv, "/ws/chat"), "", "http://localhost/")
		Expect(err).NotTo(HaveOccurred())
		defer ada.Close()
		bo, err := websocket.Dial(wsURL(srv, "/ws/chat"), "", "http://localhost/")
		Expect(err).NotTo(HaveOccurred())
		defer bo.Close()

		Expect(receive(ada).Event).To(Equal(connplugin.EventWelcome))
		Expect(receive(bo).Event).To(Equal(connplugin.EventWelcome))

		send(bo, "1", "join", `{"room":"tavern"}`)
		Expect(receive(bo).Event).To(Equal(chat.EventJoined))

		send(ada, "1", "nick", `{"name":"ada"}`)
		Expect(receive(ada).Event).To(Equal(chat.EventNick))
		send(ada, "2", "join", `{"room":"tavern"}`)
		Expect(receive(ada).Event).To(Equal(chat.EventJoined))
		send(ada, "3", "say", `{"room":"tavern","text":"a round for everyone"}`)

		msg := receive(bo)
		Expect(msg.Event).To(Equal(chat.EventMessage))
		var line chat.Line
		Expect(json.Unmarshal(msg.Payload, &line)).To(Succeed())
		Expect(line.From).To(Equal("ada"))
		Expect(line.Text).To(Equal("a round for everyone"))
	})
})
