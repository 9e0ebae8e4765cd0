// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates on a link
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames   uint64
	ValidFrames   uint64
	CRCErrors     uint64
	FramingErrors uint64
	ErrorReplies  uint64
	ByOpcode      map[Opcode]uint64
	ByResult      map[Result]uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		ByOpcode:       make(map[Opcode]uint64),
		ByResult:       make(map[Result]uint64),
	}
}

// Update updates statistics based on a packet and its decode error
func (s *Statistics) Update(packet *Packet, decodeErr error) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrFraming) {
			s.FramingErrors++
		}
		return
	}
	if packet == nil {
		return
	}

	if packet.ValidateCRC() != Success {
		s.CRCErrors++
		return
	}

	s.ValidFrames++
	s.ByOpcode[packet.Opcode()]++

	if result, ok := packet.Result(); ok {
		s.ByResult[result]++
		if result != Success {
			s.ErrorReplies++
		}
	}
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.CRCErrors+s.FramingErrors+s.ErrorReplies) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent, crcPercent, framingPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.TotalFrames)
		crcPercent = float64(s.CRCErrors) * 100.0 / float64(s.TotalFrames)
		framingPercent = float64(s.FramingErrors) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, crcPercent)
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors, framingPercent)
	}
	if s.ErrorReplies > 0 {
		result += fmt.Sprintf("Error Replies:   %8d\n", s.ErrorReplies)
		for _, r := range []Result{Fail, InstructionError, CrcError, IdError, ParamError} {
			if n := s.ByResult[r]; n > 0 {
				result += fmt.Sprintf("  %-17s %6d\n", FormatResult(r)+":", n)
			}
		}
	}

	result += fmt.Sprintf("\nFrame Rate:      %.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %.2f errors/sec\n", s.ErrorRate)

	return result
}

// Reset clears all counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
