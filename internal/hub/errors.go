package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNilObserver       = errors.New("observer cannot be nil")
	ErrDuplicateObserver = errors.New("observer id already registered")
)
