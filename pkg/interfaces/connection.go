package interfaces

// Observer represents one attached dashboard
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and the broadcast hub
type Observer interface {
	// ID returns the identifier the hub registers the observer under
	ID() string

	// Send queues an already encoded event for delivery (thread-safe)
	// FUNCTIONAL DISCOVERY: Implementations must not block; a slow or closed
	// observer reports an error instead of stalling the broadcast
	Send(data []byte) error

	// Close closes the observer and cleans up resources
	Close() error
}
