// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Command mirror is a process behavior that echoes world events back
// reversed. Build it into the plugin directory:
//
//	go build -o plugins/behaviors/mirror/mirror ./plugins/behaviors/mirror
package main

import (
	"context"
	"slices"

	"github.com/finalverse/finalverse/pkg/behaviorsdk"
)

func mirror(_ context.Context, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
	if len(ev.Payload) == 0 {
		return nil, nil
	}
	out := slices.Clone(ev.Payload)
	slices.Reverse(out)
	return []behaviorsdk.Emit{{Topic: "events.echo", Payload: out}}, nil
}

func main() {
	behaviorsdk.Serve(&behaviorsdk.ServeConfig{
		Handler: behaviorsdk.HandlerFunc(mirror),
	})
}
