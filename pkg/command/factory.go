// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package command

import (
	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/tendon"
)

// Actuators resolves motor ids. *actuator.Registry implements it.
type Actuators interface {
	Get(id int) (*actuator.Actuator, bool)
	Len() int
}

// paramCounts is the fixed parameter contract per opcode. Echo is absent
// because it accepts any count.
var paramCounts = map[tendon.Opcode]int{
	tendon.OpReadStatus:   tendon.ParamsReadStatus,
	tendon.OpReadAngle:    tendon.ParamsReadAngle,
	tendon.OpWriteAngle:   tendon.ParamsWriteAngle,
	tendon.OpWritePID:     tendon.ParamsWritePID,
	tendon.OpSetZeroAngle: tendon.ParamsSetZeroAngle,
	tendon.OpSetMaxAngle:  tendon.ParamsSetMaxAngle,
}

// Create validates a CRC-checked packet and builds its command. Exactly one
// of the returned command and a non-success result is set.
//
// Checks run in order: opcode, motor id, parameter count. The reserved
// multi-target ids 0xFE and 0xFF are rejected with IdError like any other
// id outside the registry.
func Create(pkt *tendon.Packet, actuators Actuators) (Command, tendon.Result) {
	op := pkt.Opcode()
	if !op.Valid() {
		return nil, tendon.InstructionError
	}

	act, ok := actuators.Get(int(pkt.ID()))
	if !ok {
		return nil, tendon.IdError
	}

	params := pkt.Params()
	if want, fixed := paramCounts[op]; fixed && len(params) != want {
		return nil, tendon.ParamError
	}

	switch op {
	case tendon.OpEcho:
		payload := make([]byte, len(params))
		copy(payload, params)
		return Echo{Payload: payload}, tendon.Success
	case tendon.OpReadStatus:
		return ReadStatus{Actuator: act}, tendon.Success
	case tendon.OpReadAngle:
		return ReadAngle{Actuator: act}, tendon.Success
	case tendon.OpWriteAngle:
		return WriteAngle{Actuator: act, Percent: params[0]}, tendon.Success
	case tendon.OpWritePID:
		return WritePID{
			Actuator: act,
			Kp:       tendon.Int16(params[0:2]),
			Ki:       tendon.Int16(params[2:4]),
			Kd:       tendon.Int16(params[4:6]),
		}, tendon.Success
	case tendon.OpSetZeroAngle:
		return SetZeroAngle{Actuator: act}, tendon.Success
	case tendon.OpSetMaxAngle:
		return SetMaxAngle{Actuator: act, Degrees: tendon.Int16(params)}, tendon.Success
	}
	return nil, tendon.InstructionError
}

// Reply encodes the reply frame for a request. Echo replies with the ECHO
// opcode and the payload; everything else, including errors, is a
// READ_STATUS reply whose first param is the result.
func Reply(id uint8, op tendon.Opcode, result tendon.Result, data []byte) ([]byte, error) {
	if op == tendon.OpEcho && result == tendon.Success {
		return tendon.EncodeFrame(id, tendon.OpEcho, data)
	}
	return tendon.EncodeStatusReply(id, result, data)
}
