// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package actuator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/tendonstat/pkg/pid"
)

// Profile errors
var (
	ErrInvalidProfile    = errors.New("invalid actuator profile")
	ErrUnknownFormat     = errors.New("unknown profile format")
	ErrProfileCount      = errors.New("profile count does not match actuator count")
	ErrProfileIDMismatch = errors.New("profile id does not match actuator index")
)

// Profile is the persisted tuning of one actuator
type Profile struct {
	ID           int         `yaml:"id" cbor:"id"`
	Name         string      `yaml:"name" cbor:"name"`
	CountsPerRev float64     `yaml:"counts_per_rev" cbor:"counts_per_rev"`
	GearRatio    float64     `yaml:"gear_ratio" cbor:"gear_ratio"`
	MaxAngle     float64     `yaml:"max_angle" cbor:"max_angle"`
	Gains        pid.Gains   `yaml:"gains" cbor:"gains"`
	Calibration  Calibration `yaml:"calibration" cbor:"calibration"`
}

// Validate checks the profile for values no actuator can use
func (p *Profile) Validate() error {
	if p.ID < 0 || p.ID >= 0xFE {
		return fmt.Errorf("%w: id %d out of range", ErrInvalidProfile, p.ID)
	}
	if p.CountsPerRev <= 0 {
		return fmt.Errorf("%w: counts per rev must be positive, got %g", ErrInvalidProfile, p.CountsPerRev)
	}
	if p.GearRatio <= 0 {
		return fmt.Errorf("%w: gear ratio must be positive, got %g", ErrInvalidProfile, p.GearRatio)
	}
	if p.MaxAngle < 0 {
		return fmt.Errorf("%w: max angle must not be negative, got %g", ErrInvalidProfile, p.MaxAngle)
	}
	if p.Gains.UMax <= 0 {
		return fmt.Errorf("%w: umax must be positive, got %g", ErrInvalidProfile, p.Gains.UMax)
	}
	if p.Calibration.Calibrated {
		if p.Calibration.MinForward >= HardwareMax || p.Calibration.MinReverse >= HardwareMax {
			return fmt.Errorf("%w: calibrated minimum %d/%d exceeds drive range",
				ErrInvalidProfile, p.Calibration.MinForward, p.Calibration.MinReverse)
		}
	}
	return nil
}

// Profile captures the actuator's tunable state
func (a *Actuator) Profile() Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Profile{
		ID:           a.index,
		Name:         a.name,
		CountsPerRev: a.countsPerRev,
		GearRatio:    a.gearRatio,
		MaxAngle:     a.maxAngle,
		Gains:        a.pid.Gains(),
		Calibration:  a.calibration,
	}
}

// ApplyProfile restores max angle, gains and calibration from p. The
// encoder geometry is fixed at construction and is not changed.
func (a *Actuator) ApplyProfile(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID != a.index {
		return fmt.Errorf("%w: profile %d applied to actuator %d", ErrProfileIDMismatch, p.ID, a.index)
	}
	a.SetMaxAngle(p.MaxAngle)
	a.SetGains(p.Gains)
	if p.Calibration.Calibrated {
		a.SetCalibration(p.Calibration.MinForward, p.Calibration.MinReverse)
	} else {
		a.ClearCalibration()
	}
	return nil
}

// Profiles captures every actuator's profile in id order
func (r *Registry) Profiles() []Profile {
	profiles := make([]Profile, len(r.actuators))
	for i, a := range r.actuators {
		profiles[i] = a.Profile()
	}
	return profiles
}

// ApplyProfiles restores every actuator. All profiles are validated before
// any actuator is changed.
func (r *Registry) ApplyProfiles(profiles []Profile) error {
	if len(profiles) != len(r.actuators) {
		return fmt.Errorf("%w: %d profiles for %d actuators", ErrProfileCount, len(profiles), len(r.actuators))
	}
	for i := range profiles {
		if err := profiles[i].Validate(); err != nil {
			return fmt.Errorf("profile %d: %w", i, err)
		}
		if profiles[i].ID != i {
			return fmt.Errorf("%w: entry %d has id %d", ErrProfileIDMismatch, i, profiles[i].ID)
		}
	}
	for i, p := range profiles {
		if err := r.actuators[i].ApplyProfile(p); err != nil {
			return err
		}
	}
	return nil
}

// profileFile is the on-disk document
type profileFile struct {
	Actuators []Profile `yaml:"actuators" cbor:"actuators"`
}

// MarshalProfiles encodes profiles as YAML or CBOR. format is "yaml" or "cbor".
func MarshalProfiles(profiles []Profile, format string) ([]byte, error) {
	doc := profileFile{Actuators: profiles}
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(doc)
	case "cbor":
		return cbor.Marshal(doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// UnmarshalProfiles decodes and validates profiles
func UnmarshalProfiles(data []byte, format string) ([]Profile, error) {
	var doc profileFile
	var err error
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &doc)
	case "cbor":
		err = cbor.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s profiles: %w", format, err)
	}
	for i := range doc.Actuators {
		if err := doc.Actuators[i].Validate(); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i, err)
		}
	}
	return doc.Actuators, nil
}

// FormatForPath picks the profile format from a file extension
func FormatForPath(path string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "yaml", "yml", "cbor":
		return ext, nil
	default:
		return "", fmt.Errorf("%w: extension %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// SaveProfiles writes profiles to path, choosing the format by extension
func SaveProfiles(path string, profiles []Profile) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	data, err := MarshalProfiles(profiles, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return nil
}

// LoadProfiles reads profiles from path, choosing the format by extension
func LoadProfiles(path string) ([]Profile, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	return UnmarshalProfiles(data, format)
}
