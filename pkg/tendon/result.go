// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tendon

import (
	"errors"
	"fmt"
)

// Result is the status code carried as the first parameter byte of a status reply
type Result uint8

// Results
const (
	Success          Result = 0x00
	Fail             Result = 0x01
	InstructionError Result = 0x02
	CrcError         Result = 0x03
	IdError          Result = 0x04
	ParamError       Result = 0x05
)

// Error implements the error interface so non-success results can be
// compared with errors.Is
func (r Result) Error() string {
	return "tendon: " + FormatResult(r)
}

// OK reports whether the result is Success
func (r Result) OK() bool {
	return r == Success
}

// Framing errors. Frames that fail framing are dropped without a reply.
var (
	ErrFraming        = errors.New("framing error")
	ErrFrameTooShort  = fmt.Errorf("%w: frame shorter than %d bytes", ErrFraming, MinFrameSize)
	ErrFrameTooLong   = fmt.Errorf("%w: declared length exceeds %d byte frame", ErrFraming, MaxFrameSize)
	ErrBadMarker      = fmt.Errorf("%w: missing 0xFF 0x00 marker", ErrFraming)
	ErrLengthMismatch = fmt.Errorf("%w: length field does not match frame", ErrFraming)
	ErrTooManyParams  = fmt.Errorf("too many params (max %d)", MaxParams)
)

// ResultError reports a non-success result for a host request
type ResultError struct {
	Op     Opcode
	ID     uint8
	Result Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s id=%d: %s", FormatOpcode(e.Op), e.ID, FormatResult(e.Result))
}

// Unwrap returns the underlying Result so callers can use errors.Is(err, tendon.IdError)
func (e *ResultError) Unwrap() error {
	return e.Result
}
