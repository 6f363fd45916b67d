// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line surface of the gatekey server.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gatekeyd/gatekey/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gatekey",
	DisableAutoGenTag: true,
	Short:             "Gatekey is a multi-tenant OpenID Connect authorization server",
	Long: `Gatekey is a multi-tenant OAuth 2.0 / OpenID Connect authorization server
with policy-driven authentication journeys.

It implements the authorization code flow with PKCE, pushed authorization
requests, DPoP sender constraining, the device, CIBA, and token exchange
grants, and delivers events to tenant webhooks with at-least-once semantics.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the gatekey CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalw("binding debug flag failed", "error", err)
	}

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
