package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrObserverUnavailable = errors.New("observer unavailable")
)
