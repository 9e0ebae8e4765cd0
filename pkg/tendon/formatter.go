// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	opcode := FormatOpcode(p.opcode)

	result := fmt.Sprintf("[%s] %s (0x%02X) id=%d len=%d", timestamp, opcode, uint8(p.opcode), p.id, p.length)
	if p.raw != nil {
		if p.ValidateCRC() == Success {
			result += fmt.Sprintf(" crc=0x%04X", p.crc)
		} else {
			result += fmt.Sprintf(" crc=0x%04X (BAD, expected 0x%04X)", p.crc, FrameCRC(p.raw))
		}
	}
	result += "\n"

	if len(p.params) > 0 {
		result += FormatParams(p.opcode, p.params)
	}

	return result
}

// FormatOpcode returns the human-readable name for an opcode
func FormatOpcode(op Opcode) string {
	switch op {
	case OpEcho:
		return "ECHO"
	case OpReadStatus:
		return "READ_STATUS"
	case OpReadAngle:
		return "READ_ANGLE"
	case OpWriteAngle:
		return "WRITE_ANGLE"
	case OpWritePID:
		return "WRITE_PID"
	case OpSetZeroAngle:
		return "SET_ZERO_ANGLE"
	case OpSetMaxAngle:
		return "SET_MAX_ANGLE"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", uint8(op))
	}
}

// FormatResult returns the human-readable name for a result code
func FormatResult(r Result) string {
	switch r {
	case Success:
		return "SUCCESS"
	case Fail:
		return "FAIL"
	case InstructionError:
		return "INSTRUCTION_ERROR"
	case CrcError:
		return "CRC_ERROR"
	case IdError:
		return "ID_ERROR"
	case ParamError:
		return "PARAM_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_RESULT_%d", uint8(r))
	}
}

// FormatStatus returns the names of the flags set in a READ_STATUS status byte
func FormatStatus(status uint8) string {
	var flags []string
	if status&StatusCalibrated != 0 {
		flags = append(flags, "CALIBRATED")
	}
	if status&StatusDriving != 0 {
		flags = append(flags, "DRIVING")
	}
	if status&StatusAtLimit != 0 {
		flags = append(flags, "AT_LIMIT")
	}
	if len(flags) == 0 {
		return "IDLE"
	}
	return strings.Join(flags, "|")
}

// FormatParams formats frame params for display. Requests and replies share
// opcodes only for READ_STATUS, whose first byte is then read as a result code.
func FormatParams(op Opcode, params []byte) string {
	var sb strings.Builder

	switch op {
	case OpReadStatus:
		sb.WriteString(fmt.Sprintf("  Result: %s\n", FormatResult(Result(params[0]))))
		if len(params) > 1 {
			sb.WriteString(fmt.Sprintf("  Data: % X\n", params[1:]))
		}
	case OpWriteAngle:
		sb.WriteString(fmt.Sprintf("  Percent: %d%%\n", params[0]))
	case OpWritePID:
		if len(params) == ParamsWritePID {
			sb.WriteString(fmt.Sprintf("  Kp: %d, Ki: %d, Kd: %d\n",
				Int16(params[0:2]), Int16(params[2:4]), Int16(params[4:6])))
		} else {
			sb.WriteString(fmt.Sprintf("  Params: % X (expected %d bytes)\n", params, ParamsWritePID))
		}
	case OpSetMaxAngle:
		if len(params) == ParamsSetMaxAngle {
			sb.WriteString(fmt.Sprintf("  Max angle: %d deg\n", Int16(params)))
		} else {
			sb.WriteString(fmt.Sprintf("  Params: % X (expected %d bytes)\n", params, ParamsSetMaxAngle))
		}
	case OpEcho:
		sb.WriteString(fmt.Sprintf("  Payload: % X (%q)\n", params, printable(params)))
	default:
		sb.WriteString(fmt.Sprintf("  Params: % X\n", params))
	}

	return sb.String()
}

// printable replaces non-printable bytes with '.'
func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7F {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
