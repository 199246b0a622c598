package model

import "errors"

// Error kinds per the coordinator's error handling design. Callers branch on
// kind with errors.Is; components wrap these with fmt.Errorf("...: %w", ...)
// to attach context on the way up.
var (
	ErrConfigError          = errors.New("config error")
	ErrInvalidInput         = errors.New("invalid input")
	ErrTooLarge             = errors.New("upload too large")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrNotConnected         = errors.New("device not connected")
	ErrTimeout              = errors.New("operation timed out")
	ErrDeviceRejected       = errors.New("device rejected request")
	ErrIntegrity            = errors.New("integrity check failed")
	ErrAuth                 = errors.New("authentication failed")
	ErrNotFound             = errors.New("not found")
	ErrCryptoMalformed      = errors.New("malformed crypto material")
)
