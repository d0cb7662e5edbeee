package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"meshbridge/internal/metrics"
	"meshbridge/pkg/interfaces"
	"meshbridge/pkg/types"
)

const commandBuffer = 256

// Hub fans events out to dashboard observers
// ARCHITECTURAL DISCOVERY: Central coordination point for all event flow. One goroutine
// owns the observer set and drains commands FIFO, so every observer sees events in
// Broadcast call order and an init snapshot is ordered against broadcasts
type Hub struct {
	registry *Registry
	commands chan command

	// TECHNICAL DISCOVERY: shutdown signals the loop, stopped is closed once it has
	// exited so callers waiting on a reply can never hang
	shutdown chan struct{}
	stopped  chan struct{}

	running bool
	mu      sync.RWMutex

	events           atomic.Int64
	deliveryFailures atomic.Int64
}

type command interface {
	execute(h *Hub)
}

type connectCommand struct {
	observer interfaces.Observer
	initial  []byte
	reply    chan error
}

type disconnectCommand struct {
	observerID string
	done       chan struct{}
}

type broadcastCommand struct {
	eventType string
	payload   []byte
	done      chan struct{}
}

// NewHub creates a hub around the given registry.
func NewHub(registry *Registry) *Hub {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Hub{registry: registry}
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine prevents race conditions
// while maintaining high throughput event processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.commands = make(chan command, commandBuffer)
	h.shutdown = make(chan struct{})
	h.stopped = make(chan struct{})

	slog.Info("Starting broadcast hub")
	go h.run(ctx, h.commands, h.shutdown, h.stopped)

	return nil
}

// Stop shuts the loop down and waits for it to exit. Observers still attached are closed.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	stopped := h.stopped
	h.mu.Unlock()

	slog.Info("Stopping broadcast hub")
	<-stopped
	return nil
}

// IsRunning reports whether the run loop is accepting commands.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// submit hands a command to the loop. The read lock is held across the send so
// Stop cannot close shutdown between the running check and the enqueue.
func (h *Hub) submit(cmd command) (<-chan struct{}, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		return nil, ErrHubNotRunning
	}

	select {
	case h.commands <- cmd:
		return h.stopped, nil
	case <-h.stopped:
		return nil, ErrHubNotRunning
	}
}

// Connect registers an observer and delivers its init event before returning
// FUNCTIONAL DISCOVERY: Registration and init delivery happen in the same loop step,
// so no broadcast can slip between them and the dashboard never misses an event
func (h *Hub) Connect(observer interfaces.Observer, initial types.Event) error {
	if observer == nil {
		return ErrNilObserver
	}

	var payload []byte
	if initial != nil {
		data, err := json.Marshal(initial)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", initial.EventType(), err)
		}
		payload = data
	}

	cmd := &connectCommand{observer: observer, initial: payload, reply: make(chan error, 1)}
	stopped, err := h.submit(cmd)
	if err != nil {
		return err
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-stopped:
		return ErrHubNotRunning
	}
}

// Disconnect removes an observer. Unknown ids are ignored.
func (h *Hub) Disconnect(observerID string) {
	cmd := &disconnectCommand{observerID: observerID, done: make(chan struct{})}
	stopped, err := h.submit(cmd)
	if err != nil {
		return
	}

	select {
	case <-cmd.done:
	case <-stopped:
	}
}

// Broadcast encodes the event once and delivers it to every observer. It returns
// after delivery was attempted for all of them; individual failures are logged
// and counted, never returned.
func (h *Hub) Broadcast(event types.Event) error {
	if event == nil {
		return errors.New("cannot broadcast nil event")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}

	cmd := &broadcastCommand{eventType: event.EventType(), payload: payload, done: make(chan struct{})}
	stopped, err := h.submit(cmd)
	if err != nil {
		return err
	}

	select {
	case <-cmd.done:
		return nil
	case <-stopped:
		return ErrHubNotRunning
	}
}

// ObserverCount returns the number of attached observers.
func (h *Hub) ObserverCount() int {
	return h.registry.Count()
}

// Stats reports hub counters for health checks.
func (h *Hub) Stats() map[string]int {
	return map[string]int{
		"observers":         h.registry.Count(),
		"events_broadcast":  int(h.events.Load()),
		"delivery_failures": int(h.deliveryFailures.Load()),
	}
}

// run is the main hub processing loop
// TECHNICAL DISCOVERY: Single select loop handles all coordination
func (h *Hub) run(ctx context.Context, commands <-chan command, shutdown <-chan struct{}, stopped chan struct{}) {
	defer h.finish(stopped)

	for {
		select {
		case cmd := <-commands:
			cmd.execute(h)

		case <-shutdown:
			slog.Info("Hub shutdown requested")
			return

		case <-ctx.Done():
			slog.Info("Hub context cancelled")
			return
		}
	}
}

// finish closes observers and releases anyone blocked in submit before the
// running flag is cleared; submitters hold the read lock while they wait.
func (h *Hub) finish(stopped chan struct{}) {
	h.closeAll()
	close(stopped)

	h.mu.Lock()
	if h.stopped == stopped {
		h.running = false
	}
	h.mu.Unlock()
	slog.Info("Hub processing stopped")
}

func (c *connectCommand) execute(h *Hub) {
	if err := h.registry.Register(c.observer); err != nil {
		c.reply <- err
		return
	}

	if c.initial != nil {
		if err := c.observer.Send(c.initial); err != nil {
			h.registry.Unregister(c.observer.ID())
			h.recordFailure(c.observer.ID(), types.EventInit, err)
			c.reply <- fmt.Errorf("failed to deliver init event: %w", err)
			return
		}
	}

	metrics.ObserversConnected.Set(float64(h.registry.Count()))
	slog.Debug("Observer attached", "observer_id", c.observer.ID(), "observers", h.registry.Count())
	c.reply <- nil
}

func (c *disconnectCommand) execute(h *Hub) {
	defer close(c.done)

	if _, removed := h.registry.Unregister(c.observerID); removed {
		metrics.ObserversConnected.Set(float64(h.registry.Count()))
		slog.Debug("Observer detached", "observer_id", c.observerID, "observers", h.registry.Count())
	}
}

// FUNCTIONAL DISCOVERY: A failing observer is skipped, not removed. It leaves through
// its own close path, which keeps removal in one place
func (c *broadcastCommand) execute(h *Hub) {
	defer close(c.done)

	h.events.Add(1)
	metrics.EventsBroadcast.WithLabelValues(c.eventType).Inc()

	for _, observer := range h.registry.List() {
		if err := observer.Send(c.payload); err != nil {
			h.recordFailure(observer.ID(), c.eventType, err)
		}
	}
}

func (h *Hub) recordFailure(observerID, eventType string, err error) {
	h.deliveryFailures.Add(1)

	reason := "error"
	if errors.Is(err, interfaces.ErrObserverUnavailable) {
		reason = "unavailable"
	}
	metrics.DeliveryFailures.WithLabelValues(reason).Inc()

	slog.Warn("Event delivery failed",
		"observer_id", observerID,
		"event", eventType,
		"error", err)
}

func (h *Hub) closeAll() {
	for _, observer := range h.registry.Drain() {
		if err := observer.Close(); err != nil {
			slog.Debug("Failed to close observer on shutdown", "observer_id", observer.ID(), "error", err)
		}
	}
	metrics.ObserversConnected.Set(0)
}
