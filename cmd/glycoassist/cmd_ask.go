// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var flagSessionID string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, cleanup, err := buildDeps(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		sessionID := flagSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		query := strings.Join(args, " ")
		resp := deps.agent.Process(cmd.Context(), query, sessionID, nil)

		fmt.Println(resp.Answer)
		if len(resp.SourcesUsed) > 0 {
			fmt.Printf("\nSources: %s\n", strings.Join(resp.SourcesUsed, ", "))
		}
		if resp.ErrorType != "" {
			fmt.Printf("(%s)\n", resp.ErrorType)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&flagSessionID, "session", "", "session ID to continue (default: new session)")
	// The ask command reuses the serve wiring, including the weaviate
	// and manuals flags.
	askCmd.Flags().AddFlagSet(serveCmd.Flags())
}
