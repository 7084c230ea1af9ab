// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

// Compiled-in plugins register themselves on import.
import (
	_ "github.com/finalverse/finalverse/plugins/connections/chat"
	_ "github.com/finalverse/finalverse/plugins/connections/echo"
	_ "github.com/finalverse/finalverse/plugins/greeter"
	_ "github.com/finalverse/finalverse/plugins/health"
)
