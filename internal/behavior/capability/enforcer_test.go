// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package capability_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finalverse/finalverse/internal/behavior/capability"
	"github.com/finalverse/finalverse/pkg/errutil"
)

func TestEnforcer_CanPublish(t *testing.T) {
	tests := []struct {
		name   string
		grants []string
		topic  string
		want   bool
	}{
		{"exact topic", []string{"publish.events.world"}, "events.world", true},
		{"single segment wildcard", []string{"publish.events.*"}, "events.world", true},
		{"single segment does not cross dots", []string{"publish.events.*"}, "events.world.region", false},
		{"super wildcard crosses dots", []string{"publish.events.**"}, "events.world.region", true},
		{"root wildcard", []string{"**"}, "gateway.chat.7", true},
		{"other prefix", []string{"publish.events.*"}, "gateway.chat.7", false},
		{"no grants", nil, "events.world", false},
		{"prefix is not a grant", []string{"publish.events"}, "events.world", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := capability.NewEnforcer()
			require.NoError(t, e.Grant("counter", tt.grants))
			assert.Equal(t, tt.want, e.CanPublish(context.Background(), "counter", tt.topic))
		})
	}
}

func TestEnforcer_UnknownPluginDenied(t *testing.T) {
	e := capability.NewEnforcer()
	assert.False(t, e.Allowed("missing", "publish.events.world"))
}

func TestEnforcer_EmptyCapabilityDenied(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("counter", []string{"**"}))
	assert.False(t, e.Allowed("counter", ""))
}

func TestEnforcer_ZeroValue(t *testing.T) {
	var e capability.Enforcer
	assert.False(t, e.Allowed("counter", "publish.events.world"))
	require.NoError(t, e.Grant("counter", []string{"publish.**"}))
	assert.True(t, e.Allowed("counter", "publish.events.world"))
}

func TestEnforcer_GrantRejectsInvalidPatterns(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("counter", []string{"publish.events.*"}))

	err := e.Grant("counter", []string{"publish.ok", "publish.[bad"})
	errutil.AssertErrorCode(t, err, capability.CodeInvalidGrant)
	assert.ErrorIs(t, err, capability.ErrInvalidGrant)
	// Previous grants survive a failed replacement.
	assert.Equal(t, []string{"publish.events.*"}, e.Grants("counter"))

	errutil.AssertErrorCode(t, e.Grant("counter", []string{""}), capability.CodeInvalidGrant)
	errutil.AssertErrorCode(t, e.Grant("", []string{"**"}), capability.CodeInvalidGrant)
}

func TestEnforcer_GrantsAreCopies(t *testing.T) {
	e := capability.NewEnforcer()
	patterns := []string{"publish.events.*"}
	require.NoError(t, e.Grant("counter", patterns))
	patterns[0] = "**"

	got := e.Grants("counter")
	assert.Equal(t, []string{"publish.events.*"}, got)
	got[0] = "**"
	assert.False(t, e.Allowed("counter", "publish.gateway.x"))
}

func TestEnforcer_RevokeAndPlugins(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("zeta", nil))
	require.NoError(t, e.Grant("alpha", []string{"**"}))
	assert.Equal(t, []string{"alpha", "zeta"}, e.Plugins())

	e.Revoke("alpha")
	e.Revoke("never-granted")
	assert.Equal(t, []string{"zeta"}, e.Plugins())
	assert.Nil(t, e.Grants("alpha"))
	assert.False(t, e.Allowed("alpha", "publish.events.world"))
}

func TestEnforcer_ConcurrentUse(t *testing.T) {
	e := capability.NewEnforcer()
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = e.Grant("counter", []string{"publish.events.*"})
		}()
		go func() {
			defer wg.Done()
			_ = e.Allowed("counter", "publish.events.world")
		}()
	}
	wg.Wait()
	assert.True(t, e.Allowed("counter", "publish.events.world"))
}

func TestCompile(t *testing.T) {
	assert.NoError(t, capability.Compile([]string{"publish.events.*", "**"}))
	errutil.AssertErrorCode(t, capability.Compile([]string{"publish.["}), capability.CodeInvalidGrant)
}
