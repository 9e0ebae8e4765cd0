// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage actuator profiles",
	Long: `Create, inspect and push actuator profiles.

A profile file holds one entry per actuator: name, encoder geometry, max
angle, controller gains and calibration. Files ending in .yaml/.yml are YAML,
files ending in .cbor are CBOR. The simulated board loads a profile file at
startup through the board.profiles setting.`,
}

var profileInitCmd = &cobra.Command{
	Use:   "init FILE",
	Short: "Write a profile file from the board settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := actuator.NewRegistry(cfg.Board.ActuatorConfigs(), nil)
		if err := actuator.SaveProfiles(args[0], registry.Profiles()); err != nil {
			return err
		}
		fmt.Printf("Wrote %d profiles to %s\n", registry.Len(), args[0])
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show FILE",
	Short: "Print a profile file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profiles, err := actuator.LoadProfiles(args[0])
		if err != nil {
			return err
		}
		for _, p := range profiles {
			printProfile(p)
		}
		return nil
	},
}

var profilePushCmd = &cobra.Command{
	Use:   "push FILE",
	Short: "Send max angles and gains from a profile file to a board",
	Long: `Send each profile's max angle (SET_MAX_ANGLE) and gains (WRITE_PID) to
the actuator with the same id.

Gains are sent as signed 16-bit integers and are rounded. Calibration data
is not part of the protocol and stays in the file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profiles, err := actuator.LoadProfiles(args[0])
		if err != nil {
			return err
		}

		client, conn, connInfo, err := OpenClient(tendon.DefaultTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		defer conn.Close()
		fmt.Printf("Connection: %s\n", connInfo)

		ctx, stop := signalContext(cmd)
		defer stop()

		failed := 0
		for _, p := range profiles {
			log := logger.With(zap.Int("id", p.ID), zap.String("name", p.Name))
			id := uint8(p.ID)

			kp, ki, kd, err := profileGains(p)
			if err == nil {
				err = client.SetMaxAngle(ctx, id, int16(math.Round(p.MaxAngle)))
			}
			if err == nil {
				err = client.WritePID(ctx, id, kp, ki, kd)
			}
			if err != nil {
				log.Warn("push failed", zap.Error(err))
				fmt.Printf("  [%d] %s: FAILED: %v\n", p.ID, p.Name, err)
				failed++
				continue
			}
			fmt.Printf("  [%d] %s: max=%.0f kp=%d ki=%d kd=%d\n", p.ID, p.Name, p.MaxAngle, kp, ki, kd)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d profiles failed", failed, len(profiles))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileInitCmd, profileShowCmd, profilePushCmd)
}

// profileGains rounds a profile's gains to the wire format
func profileGains(p actuator.Profile) (kp, ki, kd int16, err error) {
	var out [3]int16
	for i, g := range []float64{p.Gains.Kp, p.Gains.Ki, p.Gains.Kd} {
		r := math.Round(g)
		if r < math.MinInt16 || r > math.MaxInt16 {
			return 0, 0, 0, fmt.Errorf("gain %v does not fit in 16 bits", g)
		}
		out[i] = int16(r)
	}
	if p.MaxAngle > math.MaxInt16 {
		return 0, 0, 0, fmt.Errorf("max angle %v does not fit in 16 bits", p.MaxAngle)
	}
	return out[0], out[1], out[2], nil
}

func printProfile(p actuator.Profile) {
	fmt.Printf("[%d] %s\n", p.ID, p.Name)
	fmt.Printf("  Encoder:     %.0f counts/rev x %.2f gear\n", p.CountsPerRev, p.GearRatio)
	fmt.Printf("  Max angle:   %.1f°\n", p.MaxAngle)
	fmt.Printf("  Gains:       kp=%g ki=%g kd=%g umax=%g\n", p.Gains.Kp, p.Gains.Ki, p.Gains.Kd, p.Gains.UMax)
	if p.Calibration.Calibrated {
		fmt.Printf("  Calibration: forward>=%d reverse>=%d\n", p.Calibration.MinForward, p.Calibration.MinReverse)
	} else {
		fmt.Printf("  Calibration: none\n")
	}
}
