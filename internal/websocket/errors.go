package websocket

import (
	"fmt"

	"meshbridge/pkg/interfaces"
)

// Connection-related errors
// FUNCTIONAL DISCOVERY: Both wrap ErrObserverUnavailable so the hub can classify a
// delivery failure without importing the transport
var (
	ErrConnectionClosed = fmt.Errorf("connection closed: %w", interfaces.ErrObserverUnavailable)
	ErrSendBufferFull   = fmt.Errorf("send buffer full: %w", interfaces.ErrObserverUnavailable)
)
