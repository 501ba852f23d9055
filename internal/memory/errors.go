package memory

import "errors"

var (
	// ErrNotFound is returned when no record exists for (domain, key).
	ErrNotFound = errors.New("memory: record not found")

	// ErrPIIViolation is returned when content classified PUBLIC contains
	// detectable PII.
	ErrPIIViolation = errors.New("memory: PII violation")

	// ErrBackendUnavailable is returned when the backing store stays
	// unreachable beyond the retry window.
	ErrBackendUnavailable = errors.New("memory: backend unavailable")

	// ErrIntegrity is returned on decrypt failure or digest mismatch. The
	// affected record is quarantined, not deleted.
	ErrIntegrity = errors.New("memory: integrity error")

	// ErrClosed is returned after the engine has been shut down.
	ErrClosed = errors.New("memory: engine closed")
)
