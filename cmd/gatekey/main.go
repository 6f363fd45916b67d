// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the gatekey authorization server.
package main

import (
	"os"

	"github.com/gatekeyd/gatekey/cmd/gatekey/app"
	"github.com/gatekeyd/gatekey/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
