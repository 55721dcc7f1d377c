// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command kodiak runs the KodiakLearn tutoring backend.
//
// Subcommands select the deployment shape: "triage" and "mastery" run one
// service each for split deployments, "serve" runs both in a single process
// for single-node installs and local development.
//
// Exit codes: 0 on clean shutdown, 1 on a configuration or runtime failure,
// 2 when startup dependency probes never went healthy within the grace
// window.
package main

import (
	"errors"
	"os"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/probe"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Default().Error("kodiak failed", "error", err.Error())
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error onto the documented process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, probe.ErrUnready):
		return 2
	default:
		return 1
	}
}
