// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command greenhouse runs the greenhouse actuation core.
//
// # Usage
//
//	# Serve with the in-memory cloud simulator
//	greenhouse serve --simulate
//
//	# Serve against the real feed API
//	GREENHOUSE_CLOUD_KEY=... greenhouse serve --config greenhouse.yaml
//
//	# Check a config file without starting anything
//	greenhouse config validate --config greenhouse.yaml
//
//	# Print the effective configuration with secrets redacted
//	greenhouse config show --config greenhouse.yaml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
