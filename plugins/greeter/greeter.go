// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package greeter is a sample service plugin. It greets players over HTTP
// and gRPC, keeps a bounded history of what it said and announces each
// greeting on the event bus as a player speak event.
//
// Importing the package registers the plugin as the "greeter" builtin.
package greeter

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/finalverse/finalverse/pkg/errutil"
	"github.com/finalverse/finalverse/pkg/eventbus"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
)

// Name is the plugin and builtin name.
const Name = "greeter"

// DefaultHistoryLimit bounds the history unless history_limit is set.
const DefaultHistoryLimit = 100

// EventSpeak is the player event type published for every greeting.
const EventSpeak uint32 = 1

func init() {
	serviceplugin.Register(Name, func() serviceplugin.ServicePlugin { return New() })
}

// Record is one entry of the greeting history.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
}

// Plugin implements serviceplugin.ServicePlugin.
type Plugin struct {
	mu       sync.RWMutex
	count    uint64
	history  []Record
	limit    int
	language string
	style    string

	bus    eventbus.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates an uninitialized greeter.
func New() *Plugin {
	return &Plugin{
		limit:    DefaultHistoryLimit,
		language: DefaultLanguage,
		style:    DefaultStyle,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Name implements serviceplugin.ServicePlugin.
func (p *Plugin) Name() string { return Name }

// ABIVersion implements serviceplugin.ABIVersioned.
func (p *Plugin) ABIVersion() string { return serviceplugin.HostABI }

// Init reads default_language, default_style and history_limit from the
// plugin configuration and registers the greeter service.
func (p *Plugin) Init(ctx context.Context, reg serviceplugin.Registry) error {
	p.logger = reg.Logger()
	if bus := reg.Bus(); bus != nil {
		p.bus = bus
	}
	if v, ok := reg.Config("default_language"); ok {
		if s, ok := v.(string); ok && s != "" {
			p.language = s
		}
	}
	if v, ok := reg.Config("default_style"); ok {
		if s, ok := v.(string); ok && s != "" {
			p.style = s
		}
	}
	if v, ok := reg.Config("history_limit"); ok {
		if n, ok := toInt(v); ok && n > 0 {
			p.limit = n
		}
	}

	if err := reg.RegisterService(ctx, Name, "grpc:///"+serviceName); err != nil {
		return err
	}
	reg.ReportHealth(true)
	p.logger.Info("greeter initialized", "language", p.language, "style", p.style, "history_limit", p.limit)
	return nil
}

// Routes implements serviceplugin.ServicePlugin.
func (p *Plugin) Routes(context.Context) (serviceplugin.RouteSet, error) {
	var rs serviceplugin.RouteSet
	rs.HandleFunc("/greeter/greet", p.handleGreet)
	rs.HandleFunc("/greeter/farewell", p.handleFarewell)
	rs.HandleFunc("GET /greeter/stats", p.handleStats)
	rs.HandleFunc("GET /greeter/history", p.handleHistory)
	return rs, nil
}

// RegisterGRPC implements serviceplugin.ServicePlugin.
func (p *Plugin) RegisterGRPC(s grpc.ServiceRegistrar) error {
	s.RegisterService(&serviceDesc, p)
	return nil
}

// GreetResult is the outcome of Greet.
type GreetResult struct {
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	GreetingNumber uint64    `json:"greeting_number"`
	Language       string    `json:"language"`
	Style          string    `json:"style"`
}

// Greet greets name, counts the greeting and records it. Empty arguments
// take the configured defaults.
func (p *Plugin) Greet(ctx context.Context, name, language, style string) GreetResult {
	if name == "" {
		name = DefaultName
	}
	if language == "" {
		language = p.language
	}
	if style == "" {
		style = p.style
	}

	msg := Greeting(name, language, style)
	now := p.now().UTC()

	p.mu.Lock()
	p.count++
	n := p.count
	p.record(Record{Timestamp: now, Name: name, Message: msg})
	p.mu.Unlock()

	p.announce(ctx, msg)
	return GreetResult{Message: msg, Timestamp: now, GreetingNumber: n, Language: language, Style: style}
}

// FarewellResult is the outcome of Farewell.
type FarewellResult struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Farewell says goodbye to name and records it. Farewells are not counted
// as greetings.
func (p *Plugin) Farewell(ctx context.Context, name, style string) FarewellResult {
	if name == "" {
		name = DefaultFarewellName
	}
	if style == "" {
		style = DefaultFarewell
	}

	msg := Farewell(name, style)
	now := p.now().UTC()

	p.mu.Lock()
	p.record(Record{Timestamp: now, Name: name, Message: msg})
	p.mu.Unlock()

	p.announce(ctx, msg)
	return FarewellResult{Message: msg, Timestamp: now}
}

// Stats summarizes the greeter.
type Stats struct {
	TotalGreetings     uint64 `json:"total_greetings"`
	GreetingsInHistory int    `json:"greetings_in_history"`
	UptimeMessage      string `json:"uptime_message"`
}

// Stats returns the current counters.
func (p *Plugin) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		TotalGreetings:     p.count,
		GreetingsInHistory: len(p.history),
		UptimeMessage:      "Greeter has said hello " + strconv.FormatUint(p.count, 10) + " times!",
	}
}

// History returns up to limit records, newest first, and the number of
// records held.
func (p *Plugin) History(limit int) ([]Record, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := len(p.history)
	if limit <= 0 || limit > total {
		limit = total
	}
	out := make([]Record, 0, limit)
	for i := total - 1; i >= total-limit; i-- {
		out = append(out, p.history[i])
	}
	return out, total
}

// record appends r and drops the oldest entries past the limit. Callers
// hold p.mu.
func (p *Plugin) record(r Record) {
	p.history = append(p.history, r)
	if over := len(p.history) - p.limit; over > 0 {
		p.history = append(p.history[:0], p.history[over:]...)
	}
}

func (p *Plugin) announce(ctx context.Context, msg string) {
	if p.bus == nil {
		return
	}
	ev := eventbus.NewEvent(eventbus.CategoryPlayer, EventSpeak, 0, Name, []byte(msg))
	if err := eventbus.PublishEvent(ctx, p.bus, eventbus.JSON, ev); err != nil {
		errutil.LogWarn(p.logger, "announce greeting", err)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true //nolint:gosec // history limits are small
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
