// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authrim server.
package main

import (
	"os"

	"github.com/authrim/authrim/cmd/authrim/app"
	"github.com/authrim/authrim/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
