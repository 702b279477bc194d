// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the WayGate identity provider.
package main

import (
	"os"

	"github.com/Volcar144/WayGate-sub000/cmd/waygate/app"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
