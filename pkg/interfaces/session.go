package interfaces

import "meshbridge/pkg/types"

// SessionCoordinator is the surface the boundary layer drives
// ARCHITECTURAL DISCOVERY: HTTP and WebSocket handlers depend on this contract only,
// never on the coordinator's locking or storage details
type SessionCoordinator interface {
	// ListSessions returns project ids, most recent name first
	ListSessions() ([]string, error)

	// Current returns the active project id
	Current() string

	// Snapshot returns the full state of the active project
	Snapshot() *types.InitEvent

	// CreateSession creates (or re-initialises) a project and makes it active
	// FUNCTIONAL DISCOVERY: An empty id is replaced by a timestamped one
	CreateSession(id string) (string, error)

	// SelectSession activates an existing project
	SelectSession(id string) error

	// RenameSession renames a project, reloading it when it is the active one
	RenameSession(oldID, newID string) error

	// DeleteSession removes a project, falling back to the most recent remaining one
	DeleteSession(id string) error

	// Heartbeat records mobile client liveness
	Heartbeat() types.PresenceAck

	// Pair records an explicit pairing request from source
	Pair(source string) types.PresenceAck

	// IngestCapture persists and records one capture
	IngestCapture(req *types.CaptureRequest) (*types.IngestResult, error)

	// Attach registers a dashboard observer and sends it the current snapshot
	Attach(observer Observer) error

	// Detach removes a dashboard observer
	Detach(observerID string)
}
