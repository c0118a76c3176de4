package media

import "errors"

var (
	// ErrInvalidMediaType is returned when a media type is not image, video or audio.
	ErrInvalidMediaType = errors.New("invalid media type")

	// ErrPayloadTooLarge is returned when a declared or actual size exceeds the per-type limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidSize is returned for non-positive size hints.
	ErrInvalidSize = errors.New("invalid size")

	ErrGrantExpired     = errors.New("upload grant expired")
	ErrGrantAlreadyUsed = errors.New("upload grant already used")

	// ErrDetectionTimeout and ErrDetectionCapability are retryable.
	ErrDetectionTimeout    = errors.New("detection timed out")
	ErrDetectionCapability = errors.New("detection capability error")

	// ErrTerminalDetectionFailure marks a task that exhausted its attempts.
	ErrTerminalDetectionFailure = errors.New("detection failed after retries")

	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable signals the object store or detection capability is unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")
)
