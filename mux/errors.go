package mux

import "errors"

// Errors passed to Upper.Disconnected and returned by DLC operations.
// Callers compare with errors.Is; operations may wrap them with context.
var (
	ErrTimeout      = errors.New("rfcomm: timed out")
	ErrRefused      = errors.New("rfcomm: connection refused")
	ErrReset        = errors.New("rfcomm: connection reset")
	ErrInvalidState = errors.New("rfcomm: invalid state for operation")
	ErrInvalidParam = errors.New("rfcomm: invalid parameter")
	ErrNotConnected = errors.New("rfcomm: not connected")
	ErrInUse        = errors.New("rfcomm: channel already in use")
	ErrNoDialer     = errors.New("rfcomm: no dialer configured")
	ErrNoListener   = errors.New("rfcomm: no listener for local address")
	ErrClosed       = errors.New("rfcomm: multiplexer closed")
)
