// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

//go:build integration

package behavior_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

func TestBehavior(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Behavior Suite")
}
