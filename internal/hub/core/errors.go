// Package core defines the error taxonomy and collaborator ports shared by
// the hub's registry, dispatcher and server layers.
package core

import "errors"

var (
	// ErrNotFound marks an unknown device identifier.
	ErrNotFound = errors.New("device not found")

	// ErrAlreadyExists marks a duplicate device registration.
	ErrAlreadyExists = errors.New("device already registered")

	// ErrOutOfOrder marks a heartbeat older than the one already recorded.
	// Logged and dropped, never fatal.
	ErrOutOfOrder = errors.New("heartbeat out of order")

	// ErrDeviceOffline marks a dispatch refused because the target is not
	// Online. A best-effort admission check, not a delivery guarantee.
	ErrDeviceOffline = errors.New("device offline")

	// ErrUnknownCorrelation marks an awaited correlation ID that was never
	// issued or has already been evicted.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrCancelled marks a wait abandoned by its caller. The pending
	// command itself is unaffected.
	ErrCancelled = errors.New("wait cancelled")
)
