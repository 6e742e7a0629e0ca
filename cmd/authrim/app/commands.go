// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authrim command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/authrim/authrim/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authrim",
	DisableAutoGenTag: true,
	Short:             "Authrim is a multi-tenant OpenID Connect provider",
	Long: `Authrim is a multi-tenant OpenID Connect and OAuth 2.x authorization server.

It implements the authorization code, device, CIBA, client credentials, and
token exchange grants, pushed and signed authorization requests, DPoP sender
constraining, dynamic client registration, and federated sign-in against
upstream identity providers.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the authrim CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
