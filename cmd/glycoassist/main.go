// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command glycoassist runs the diabetes education assistant: a serve
// mode exposing the HTTP/websocket API and a one-shot ask mode for
// terminal use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/glycoassist/cmd/glycoassist/config"
)

var (
	flagConfigPath string

	loadedConfig config.AssistantConfig
	loadedEnv    config.Env
)

var rootCmd = &cobra.Command{
	Use:   "glycoassist",
	Short: "Safety-audited retrieval QA for type-1 diabetes self-management",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfigPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		loadedConfig = cfg
		loadedEnv = config.ReadEnv()
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "config.yaml", "path to the configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
}
