// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Tendonstat - Tendon Actuator Board Tool
//
// A CLI tool for driving, calibrating and simulating tendon actuator boards
// over their CRC16-framed serial protocol.

package main

import (
	"os"

	"github.com/Thermoquad/tendonstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
