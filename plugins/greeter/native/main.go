// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Command native builds the greeter as a loadable artifact:
//
//	go build -buildmode=plugin -o plugins/native/greeter.so ./plugins/greeter/native
//
// Do not also list "greeter" in core.builtins when the artifact is loaded;
// both would claim the same routes.
package main

import (
	"github.com/finalverse/finalverse/pkg/serviceplugin"
	"github.com/finalverse/finalverse/plugins/greeter"
)

// FinalversePlugin is the entry symbol resolved by the core process.
func FinalversePlugin() serviceplugin.ServicePlugin {
	return greeter.New()
}

func main() {}
