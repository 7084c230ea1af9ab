// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package greeter

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/finalverse/finalverse/internal/eventbus"
	pkgbus "github.com/finalverse/finalverse/pkg/eventbus"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
	"github.com/finalverse/finalverse/pkg/serviceplugin/serviceplugintest"
)

func TestGreeting(t *testing.T) {
	tests := []struct {
		language, style, want string
	}{
		{"en", "normal", "Hello, Ada!"},
		{"es", "formal", "Estimado/a Ada, es un honor saludarle."},
		{"es", "pirate", "¡Hola, Ada!"},
		{"fr", "", "Salut, Ada !"},
		{"ja", "formal", "Ada様、はじめまして。"},
		{"zh", "formal", "你好，Ada！"},
		{"en", "pirate", "Ahoy there, Ada ye scallywag!"},
		{"xx", "robot", "GREETINGS, Ada. SOCIAL PROTOCOL INITIATED."},
		{"", "", "Hello, Ada!"},
	}
	for _, tt := range tests {
		t.Run(tt.language+"/"+tt.style, func(t *testing.T) {
			assert.Equal(t, tt.want, Greeting("Ada", tt.language, tt.style))
		})
	}
}

func TestFarewell(t *testing.T) {
	assert.Equal(t, "Farewell, Ada. Until we meet again.", Farewell("Ada", "formal"))
	assert.Equal(t, "I'll miss you, Ada... Please come back soon!", Farewell("Ada", "sad"))
	assert.Equal(t, "See you later, Ada!", Farewell("Ada", "casual"))
}

func TestBuiltinRegistered(t *testing.T) {
	entry, ok := serviceplugin.Lookup(Name)
	require.True(t, ok)
	p := entry()
	assert.Equal(t, Name, p.Name())
	assert.Equal(t, serviceplugin.HostABI, p.(serviceplugin.ABIVersioned).ABIVersion())
}

func initPlugin(t *testing.T, config map[string]any, bus pkgbus.Bus) (*Plugin, *serviceplugintest.Registry) {
	t.Helper()
	p := New()
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	reg := serviceplugintest.NewRegistry(config, bus)
	require.NoError(t, p.Init(context.Background(), reg))
	return p, reg
}

func TestInit(t *testing.T) {
	p, reg := initPlugin(t, map[string]any{
		"default_language": "de",
		"default_style":    "formal",
		"history_limit":    3,
	}, nil)

	assert.Equal(t, "de", p.language)
	assert.Equal(t, "formal", p.style)
	assert.Equal(t, 3, p.limit)
	assert.Equal(t, map[string]string{Name: "grpc:///finalverse.greeter.v1.Greeter"}, reg.Services())
	healthy, reported := reg.Healthy()
	assert.True(t, reported)
	assert.True(t, healthy)

	res := p.Greet(context.Background(), "Ada", "", "")
	assert.Equal(t, "Guten Tag, Ada. Es ist mir eine Ehre.", res.Message)
}

func TestInit_IgnoresBadConfig(t *testing.T) {
	p, _ := initPlugin(t, map[string]any{
		"default_language": 7,
		"history_limit":    "lots",
	}, nil)
	assert.Equal(t, DefaultLanguage, p.language)
	assert.Equal(t, DefaultHistoryLimit, p.limit)
}

func TestGreet_CountsAndBoundsHistory(t *testing.T) {
	p, _ := initPlugin(t, map[string]any{"history_limit": 2}, nil)
	ctx := context.Background()

	first := p.Greet(ctx, "", "", "")
	assert.Equal(t, "Hello, World!", first.Message)
	assert.Equal(t, uint64(1), first.GreetingNumber)
	assert.Equal(t, DefaultLanguage, first.Language)
	assert.Equal(t, DefaultStyle, first.Style)

	p.Greet(ctx, "Bo", "it", "")
	bye := p.Farewell(ctx, "", "")
	assert.Equal(t, "See you later, Friend!", bye.Message)

	st := p.Stats()
	assert.Equal(t, uint64(2), st.TotalGreetings, "farewells are not greetings")
	assert.Equal(t, 2, st.GreetingsInHistory)
	assert.Equal(t, "Greeter has said hello 2 times!", st.UptimeMessage)

	records, total := p.History(10)
	require.Len(t, records, 2)
	assert.Equal(t, 2, total)
	assert.Equal(t, "See you later, Friend!", records[0].Message)
	assert.Equal(t, "Ciao, Bo!", records[1].Message)

	records, _ = p.History(1)
	assert.Len(t, records, 1)
}

func TestGreet_AnnouncesOnBus(t *testing.T) {
	bus := eventbus.NewLocalBus()
	t.Cleanup(func() { _ = bus.Close() })

	got := make(chan pkgbus.Event, 1)
	sub, err := pkgbus.SubscribeEvents(context.Background(), bus, pkgbus.CategoryPlayer.Topic(), pkgbus.JSON,
		pkgbus.EventHandlerFunc(func(_ context.Context, ev pkgbus.Event) error {
			got <- ev
			return nil
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	p, _ := initPlugin(t, nil, bus)
	p.Greet(context.Background(), "Ada", "", "epic")

	select {
	case ev := <-got:
		assert.Equal(t, EventSpeak, ev.Type)
		assert.Equal(t, Name, ev.Metadata.Source)
		assert.Equal(t, "Hail, Ada! Your presence brings light to these digital realms!", string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("greeting was not announced")
	}
}

func serveRoutes(t *testing.T, p *Plugin) *httptest.Server {
	t.Helper()
	routes, err := p.Routes(context.Background())
	require.NoError(t, err)
	mux := http.NewServeMux()
	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHTTP(t *testing.T) {
	p, _ := initPlugin(t, nil, nil)
	srv := serveRoutes(t, p)

	resp, err := http.Get(srv.URL + "/greeter/greet?name=Ada&language=fr&style=formal")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var greet GreetResult
	getJSON(t, resp, &greet)
	assert.Equal(t, "Bonjour Ada, c'est un plaisir de vous rencontrer.", greet.Message)
	assert.Equal(t, uint64(1), greet.GreetingNumber)

	resp, err = http.Post(srv.URL+"/greeter/farewell", "application/json", strings.NewReader(`{"name":"Ada","style":"pirate"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bye FarewellResult
	getJSON(t, resp, &bye)
	assert.Equal(t, "Fair winds and following seas, Ada me hearty!", bye.Message)

	resp, err = http.Get(srv.URL + "/greeter/stats")
	require.NoError(t, err)
	var st Stats
	getJSON(t, resp, &st)
	assert.Equal(t, uint64(1), st.TotalGreetings)
	assert.Equal(t, 2, st.GreetingsInHistory)

	resp, err = http.Get(srv.URL + "/greeter/history?limit=1")
	require.NoError(t, err)
	var hist historyResponse
	getJSON(t, resp, &hist)
	assert.Equal(t, 2, hist.TotalInHistory)
	require.Len(t, hist.RecentGreetings, 1)
	assert.Equal(t, "Ada", hist.RecentGreetings[0].Name)
}

func TestHTTP_Errors(t *testing.T) {
	p, _ := initPlugin(t, nil, nil)
	srv := serveRoutes(t, p)

	resp, err := http.Post(srv.URL+"/greeter/greet", "application/json", strings.NewReader(`{"name":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/greeter/greet", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/greeter/history?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/greeter/stats", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGRPC(t *testing.T) {
	p, _ := initPlugin(t, nil, nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	require.NoError(t, p.RegisterGRPC(srv))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := structpb.NewStruct(map[string]any{"name": "Ada", "language": "ru"})
	require.NoError(t, err)
	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, GreetMethod, in, out))
	assert.Equal(t, "Привет, Ada!", out.GetFields()["message"].GetStringValue())
	assert.Equal(t, float64(1), out.GetFields()["greeting_number"].GetNumberValue())

	in, err = structpb.NewStruct(map[string]any{"name": "Ada", "style": "robot"})
	require.NoError(t, err)
	require.NoError(t, conn.Invoke(ctx, FarewellMethod, in, out))
	assert.Equal(t, "GOODBYE, Ada. TERMINATING SOCIAL INTERACTION.", out.GetFields()["message"].GetStringValue())

	require.NoError(t, conn.Invoke(ctx, StatsMethod, &emptypb.Empty{}, out))
	assert.Equal(t, float64(1), out.GetFields()["total_greetings"].GetNumberValue())
	assert.Equal(t, float64(2), out.GetFields()["greetings_in_history"].GetNumberValue())
}
