package ecan

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
// Each one is a distinct failure kind of the public driver surface.
var (
	// ErrObject: the controller handle is malformed or not initialized.
	ErrObject = errors.New("ecan: bad object")
	// ErrInput: an argument is out of range or violates a precondition.
	ErrInput = errors.New("ecan: bad input")
	// ErrWrite: write attempted to a non-existent or non-TX buffer.
	ErrWrite = errors.New("ecan: bad write target")
	// ErrAgain: the operation would block; retry or use another buffer.
	ErrAgain = errors.New("ecan: try again")
	// ErrAssert: an internal invariant failed (spin budget exhausted,
	// inconsistent hardware state). Not expected in shipped code.
	ErrAssert = errors.New("ecan: internal assertion")
)
