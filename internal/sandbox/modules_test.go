// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package sandbox

import "github.com/finalverse/finalverse/internal/sandbox/sandboxtest"

var (
	counterWasm        = sandboxtest.Counter()
	trapWasm           = sandboxtest.Trap()
	loopWasm           = sandboxtest.Loop()
	recorderWasm       = sandboxtest.Recorder()
	publishWasm        = sandboxtest.Publisher("events.echo")
	noMemoryWasm       = sandboxtest.NoMemory()
	wrongSignatureWasm = sandboxtest.WrongSignature()
	growerWasm         = sandboxtest.Grower()
	fixedMemoryWasm    = sandboxtest.FixedMemory()
	allocatorWasm      = sandboxtest.Allocator()
	badAllocWasm       = sandboxtest.BadAlloc()
)
