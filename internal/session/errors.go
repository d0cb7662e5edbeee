package session

import "errors"

var (
	// ErrPersistence means the capture never reached disk; no state changed.
	ErrPersistence = errors.New("capture could not be persisted")

	// ErrDerivation means the capture is on disk but its readings were unusable.
	ErrDerivation = errors.New("capture readings could not be derived")

	ErrNilCapture = errors.New("capture request has no image body")
)
