package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"meshbridge/internal/metrics"
	"meshbridge/internal/project"
	"meshbridge/pkg/interfaces"
	"meshbridge/pkg/types"
)

// ProjectStore is the filesystem registry the coordinator drives.
type ProjectStore interface {
	List() ([]string, error)
	ResolveMostRecent() (string, error)
	SynthesizeID() string
	Exists(id string) bool
	Create(id string) error
	Rename(oldID, newID string) error
	Delete(id string) error
	InputDir(id string) string
	CountCaptures(id string) (int, error)
	SaveCapture(id, filename string, body io.Reader) (int64, error)
}

// Presence is the heartbeat watchdog as seen by the coordinator.
type Presence interface {
	Touch() bool
	IsPaired() bool
	Expire() bool
}

// Activation causes, used as metric labels.
const (
	causeStartup  = "startup"
	causeCreate   = "create"
	causeSelect   = "select"
	causeRename   = "rename"
	causeFallback = "fallback"
)

// Coordinator owns the active session and serializes every change to it
// ARCHITECTURAL DISCOVERY: One RWMutex is the critical region. Mutations take the write
// lock and broadcast before releasing it, so the event stream follows mutation order
// exactly and an init for one session can never interleave with an upload of another
type Coordinator struct {
	mu       sync.RWMutex
	store    ProjectStore
	hub      interfaces.Broadcaster
	presence Presence
	state    *State
}

var _ interfaces.SessionCoordinator = (*Coordinator)(nil)

// NewCoordinator wires the coordinator. Initialize must run before it serves requests.
func NewCoordinator(store ProjectStore, hub interfaces.Broadcaster, presence Presence) *Coordinator {
	return &Coordinator{
		store:    store,
		hub:      hub,
		presence: presence,
	}
}

// Initialize activates the most recently used project, or a fresh timestamped one.
// A failure here is fatal for the process.
func (c *Coordinator) Initialize() error {
	id, err := c.store.ResolveMostRecent()
	if err != nil {
		return fmt.Errorf("failed to resolve startup project: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.activateLocked(id, causeStartup); err != nil {
		return err
	}
	slog.Info("Capture session ready", "project", id, "total_images", c.state.TotalImages)
	return nil
}

// Activate replaces the active session with a freshly loaded one.
func (c *Coordinator) Activate(id string) error {
	if !types.IsValidProjectID(id) {
		return types.ErrInvalidProjectID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activateLocked(id, causeSelect)
}

// activateLocked is the only place the active state is swapped. Caller holds the write lock.
// FUNCTIONAL DISCOVERY: Connected dashboards get the new snapshot straight away, so
// switching projects on one screen never leaves another showing stale coverage
func (c *Coordinator) activateLocked(id, cause string) error {
	next, err := loadState(c.store, id)
	if err != nil {
		return err
	}

	previous := ""
	if c.state != nil {
		previous = c.state.ID
	}
	c.state = next

	metrics.SessionActivations.WithLabelValues(cause).Inc()
	metrics.TotalImages.Set(float64(next.TotalImages))
	slog.Info("Capture session activated",
		"project", id,
		"previous", previous,
		"cause", cause,
		"total_images", next.TotalImages)

	c.broadcastLocked(next.snapshot(c.presence.IsPaired()))
	return nil
}

// broadcastLocked publishes while the caller holds the coordinator lock. An
// unavailable hub is logged; state changes never roll back because of delivery.
func (c *Coordinator) broadcastLocked(event types.Event) {
	if err := c.hub.Broadcast(event); err != nil {
		slog.Warn("Event broadcast failed", "event", event.EventType(), "error", err)
	}
}

func (c *Coordinator) ListSessions() ([]string, error) {
	return c.store.List()
}

func (c *Coordinator) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return ""
	}
	return c.state.ID
}

func (c *Coordinator) TotalImages() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return 0
	}
	return c.state.TotalImages
}

// Snapshot returns the init view of the active session.
func (c *Coordinator) Snapshot() *types.InitEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() *types.InitEvent {
	if c.state == nil {
		return &types.InitEvent{
			Type:    types.EventInit,
			Sectors: []int{},
			History: []types.CaptureRecord{},
			Lenses:  []int{},
			Paired:  c.presence.IsPaired(),
		}
	}
	return c.state.snapshot(c.presence.IsPaired())
}

// CreateSession creates a project and makes it active. An empty id gets a timestamped name.
func (c *Coordinator) CreateSession(id string) (string, error) {
	if id == "" {
		id = c.store.SynthesizeID()
	}
	if !types.IsValidProjectID(id) {
		return "", types.ErrInvalidProjectID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Create(id); err != nil {
		return "", err
	}
	if err := c.activateLocked(id, causeCreate); err != nil {
		return "", err
	}
	return id, nil
}

// SelectSession activates an existing project.
func (c *Coordinator) SelectSession(id string) error {
	if !types.IsValidProjectID(id) {
		return types.ErrInvalidProjectID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.store.Exists(id) {
		return fmt.Errorf("%w: %s", project.ErrProjectNotFound, id)
	}
	return c.activateLocked(id, causeSelect)
}

// RenameSession renames a project and reloads it under the new id when it is active.
func (c *Coordinator) RenameSession(oldID, newID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Rename(oldID, newID); err != nil {
		return err
	}
	slog.Info("Project renamed", "from", oldID, "to", newID)

	if c.state != nil && c.state.ID == oldID {
		return c.activateLocked(newID, causeRename)
	}
	return nil
}

// DeleteSession removes a project. Deleting the active project falls back to the most
// recent remaining one, or a freshly synthesized project when none remain.
func (c *Coordinator) DeleteSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(id); err != nil {
		return err
	}
	slog.Info("Project deleted", "project", id)

	if c.state == nil || c.state.ID != id {
		return nil
	}

	next, err := c.store.ResolveMostRecent()
	if err != nil {
		return fmt.Errorf("failed to resolve fallback project: %w", err)
	}
	return c.activateLocked(next, causeFallback)
}

// Heartbeat records a ping from the mobile client.
func (c *Coordinator) Heartbeat() types.PresenceAck {
	return c.touch("ping")
}

// touch records a heartbeat and announces the Unpaired -> Paired transition
// TECHNICAL DISCOVERY: Touch runs under the coordinator lock. Heartbeats share the read
// lock with each other, the expiry sweep needs the write lock, so a transition and its
// broadcast are one step and dashboards always end on the monitor's state
func (c *Coordinator) touch(source string) types.PresenceAck {
	metrics.Heartbeats.WithLabelValues(source).Inc()

	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.totalLocked()
	c.touchLocked(source, total)
	return types.PresenceAck{Paired: true, TotalCount: total}
}

// touchLocked refreshes presence and broadcasts the transition. Caller holds c.mu.
func (c *Coordinator) touchLocked(source string, total int) {
	if c.presence.Touch() {
		slog.Info("Mobile client paired", "source", source, "total_images", total)
		c.broadcastLocked(types.NewPresenceEvent(true, total))
	}
}

func (c *Coordinator) totalLocked() int {
	if c.state == nil {
		return 0
	}
	return c.state.TotalImages
}

// Pair handles an explicit pairing request and announces it to dashboards.
func (c *Coordinator) Pair(source string) types.PresenceAck {
	metrics.Heartbeats.WithLabelValues("pair").Inc()

	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.totalLocked()
	c.touchLocked("pair", total)
	slog.Info("Mobile client pairing", "host", source, "total_images", total)
	c.broadcastLocked(types.NewPairEvent(source, total))
	return types.PresenceAck{Paired: true, TotalCount: total}
}

// SweepPresence expires a silent mobile client. The presence monitor calls it every
// poll interval; the Paired -> Unpaired transition is broadcast exactly once.
func (c *Coordinator) SweepPresence() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.presence.Expire() {
		return
	}
	total := c.totalLocked()
	slog.Info("Mobile client heartbeat expired", "total_images", total)
	c.broadcastLocked(types.NewPresenceEvent(false, total))
}

// Attach registers an observer with the current snapshot as its first event
// FUNCTIONAL DISCOVERY: The read lock is held across Connect so no mutation can land
// between building the snapshot and the observer joining the fan-out
func (c *Coordinator) Attach(observer interfaces.Observer) error {
	if observer == nil {
		return errors.New("observer cannot be nil")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hub.Connect(observer, c.snapshotLocked())
}

func (c *Coordinator) Detach(observerID string) {
	c.hub.Disconnect(observerID)
}
