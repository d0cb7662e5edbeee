package interfaces

import "meshbridge/pkg/types"

// Broadcaster fans events out to every attached observer
// ARCHITECTURAL DISCOVERY: Delivery abstracted from the coordinator so the session
// logic can be tested against an in-memory recorder
type Broadcaster interface {
	// Connect registers an observer and delivers initial before returning
	Connect(observer Observer, initial types.Event) error

	// Disconnect removes an observer; unknown IDs are ignored
	Disconnect(observerID string)

	// Broadcast delivers event to all observers in call order
	// FUNCTIONAL DISCOVERY: Per-observer failures are absorbed by the implementation,
	// the returned error only reports that the broadcaster itself is unavailable
	Broadcast(event types.Event) error
}
