// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package errutil_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/samber/oops"

	"github.com/finalverse/finalverse/pkg/errutil"
)

func TestAssertErrorCode_MatchingCode(t *testing.T) {
	err := oops.Code("INVALID_MODULE").Errorf("bad magic")
	errutil.AssertErrorCode(t, err, "INVALID_MODULE")
}

func TestAssertErrorCode_ThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("load: %w", oops.Code("INVALID_MODULE").Errorf("bad magic"))
	errutil.AssertErrorCode(t, err, "INVALID_MODULE")
}

func TestAssertErrorContext_MatchingKeyValue(t *testing.T) {
	err := oops.With("module", "counter.wasm").Errorf("trap")
	errutil.AssertErrorContext(t, err, "module", "counter.wasm")
}

var errTrap = errors.New("execution trap")

func TestAssertKind_SentinelAndCode(t *testing.T) {
	err := oops.Code("EXECUTION_TRAP").In("sandbox").With("module", "counter").Wrapf(errTrap, "unreachable")
	errutil.AssertKind(t, err, errTrap, "EXECUTION_TRAP")
	errutil.AssertKind(t, fmt.Errorf("call: %w", err), errTrap, "EXECUTION_TRAP")
}

func TestAssertKind_DeepestCodeWins(t *testing.T) {
	inner := oops.Code("PUBLISH_FAILED").Wrapf(errTrap, "queue full")
	err := oops.In("cmd").Wrapf(inner, "announce")
	errutil.AssertKind(t, err, errTrap, "PUBLISH_FAILED")
}
