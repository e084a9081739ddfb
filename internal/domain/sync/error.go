package sync

import "errors"

var (
	ErrUnauthenticated     = errors.New("user not authenticated")
	ErrInvalidDevice       = errors.New("invalid device id")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceForeign       = errors.New("device belongs to another user")
	ErrDeviceRevoked       = errors.New("device revoked")
	ErrUnknownTable        = errors.New("unknown table")
	ErrInvalidWatermark    = errors.New("lastSync must be non-negative")
	ErrBatchTooLarge       = errors.New("push batch too large")
	ErrRowNotFound         = errors.New("row not found")
	ErrIdempotencyNotFound = errors.New("idempotency record not found")
	ErrStaleVersion        = errors.New("row version changed concurrently")
)
