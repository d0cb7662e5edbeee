package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshbridge/internal/presence"
	"meshbridge/internal/project"
	"meshbridge/pkg/interfaces"
	"meshbridge/pkg/types"
)

// recordingBroadcaster keeps every event in call order
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []types.Event
	conns  map[string]interfaces.Observer
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{conns: make(map[string]interfaces.Observer)}
}

func (b *recordingBroadcaster) Connect(observer interfaces.Observer, initial types.Event) error {
	data, err := json.Marshal(initial)
	if err != nil {
		return err
	}
	if err := observer.Send(data); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[observer.ID()] = observer
	return nil
}

func (b *recordingBroadcaster) Disconnect(observerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, observerID)
}

func (b *recordingBroadcaster) Broadcast(event types.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBroadcaster) all() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Event(nil), b.events...)
}

func (b *recordingBroadcaster) ofType(eventType string) []types.Event {
	var out []types.Event
	for _, e := range b.all() {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

type captureObserver struct {
	id     string
	frames [][]byte
}

func (o *captureObserver) ID() string { return o.id }
func (o *captureObserver) Send(data []byte) error {
	o.frames = append(o.frames, data)
	return nil
}
func (o *captureObserver) Close() error { return nil }

type fixture struct {
	store       *project.Store
	broadcaster *recordingBroadcaster
	monitor     *presence.Monitor
	clock       *clockwork.FakeClock
	coordinator *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	store := project.NewStore(t.TempDir(), []string{".jpg"}, clock)
	broadcaster := newRecordingBroadcaster()
	monitor := presence.NewMonitor(clock, 5*time.Second, 12*time.Second)

	return &fixture{
		store:       store,
		broadcaster: broadcaster,
		monitor:     monitor,
		clock:       clock,
		coordinator: NewCoordinator(store, broadcaster, monitor),
	}
}

func (f *fixture) seed(t *testing.T, id string, images int) {
	t.Helper()
	require.NoError(t, f.store.Create(id))
	for i := 0; i < images; i++ {
		path := filepath.Join(f.store.InputDir(id), fmt.Sprintf("seed_%03d.jpg", i))
		require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))
	}
}

func (f *fixture) onDisk(t *testing.T, id string) int {
	t.Helper()
	n, err := f.store.CountCaptures(id)
	require.NoError(t, err)
	return n
}

func capture(name, azimuth, diopter string) *types.CaptureRequest {
	return &types.CaptureRequest{
		Filename: name,
		Body:     strings.NewReader("jpeg-bytes"),
		Azimuth:  azimuth,
		Diopter:  diopter,
	}
}

func TestCoordinator_InitializeSynthesizesProject(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coordinator.Initialize())

	assert.Equal(t, "project_20240501_093000", f.coordinator.Current())
	assert.True(t, f.store.Exists("project_20240501_093000"))

	inits := f.broadcaster.ofType(types.EventInit)
	require.Len(t, inits, 1)
	assert.Equal(t, 0, inits[0].(*types.InitEvent).Total)
}

func TestCoordinator_InitializePicksMostRecent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old_scan", 2)
	f.seed(t, "new_scan", 3)

	past := time.Now().Add(-time.Hour)
	for _, p := range []string{filepath.Join(f.store.Root(), "old_scan"), f.store.InputDir("old_scan")} {
		require.NoError(t, os.Chtimes(p, past, past))
	}

	require.NoError(t, f.coordinator.Initialize())

	assert.Equal(t, "new_scan", f.coordinator.Current())
	assert.Equal(t, 3, f.coordinator.Snapshot().Total)
}

// FUNCTIONAL VALIDATION TEST: totalImages equals the files on disk after every ingest
func TestCoordinator_IngestTracksDisk(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "scan", 4)
	require.NoError(t, f.coordinator.SelectSession("scan"))

	for i := 0; i < 5; i++ {
		res, err := f.coordinator.IngestCapture(capture(fmt.Sprintf("IMG_%d.jpg", i), "95", "0.5"))
		require.NoError(t, err)
		assert.Equal(t, types.IngestStatusSuccess, res.Status)
		assert.Equal(t, f.onDisk(t, "scan"), res.ServerTotal)
		assert.Equal(t, f.onDisk(t, "scan"), f.coordinator.Snapshot().Total)
	}
	assert.Equal(t, 9, f.coordinator.Snapshot().Total)

	// re-uploading the same name overwrites and the count holds
	res, err := f.coordinator.IngestCapture(capture("IMG_0.jpg", "95", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, 9, res.ServerTotal)
}

func TestCoordinator_IngestDerivesRecord(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())
	f.broadcaster.reset()

	req := capture("lens2.jpg", "370", "0.5")
	req.Altitude = "30"
	req.LensIndex = 2
	req.Calibrated = true
	req.ClientCount = 7

	res, err := f.coordinator.IngestCapture(req)
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	rec := *res.Record
	assert.Equal(t, f.coordinator.Current(), rec.Project)
	assert.Equal(t, 1, rec.Sector)
	assert.Equal(t, 2.0, rec.Focus)
	assert.Equal(t, 30.0, rec.Altitude)
	assert.Equal(t, 1, rec.TotalCount)
	assert.Equal(t, 7, rec.ClientReportedCount)

	snap := f.coordinator.Snapshot()
	assert.Equal(t, []int{1}, snap.Sectors)
	assert.Equal(t, []int{2}, snap.Lenses)
	assert.Equal(t, 2.0, snap.Focus)
	assert.Equal(t, []types.CaptureRecord{rec}, snap.History)

	// first upload also pairs the phone, announced before the upload itself
	events := f.broadcaster.all()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventPresenceChanged, events[0].EventType())
	assert.True(t, events[0].(*types.PresenceEvent).Paired)
	assert.Equal(t, types.EventUpload, events[1].EventType())
	assert.Equal(t, rec, events[1].(*types.UploadEvent).CaptureRecord)
}

func TestCoordinator_UncalibratedLensNotRecorded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())

	req := capture("a.jpg", "10", "0")
	req.LensIndex = 3
	_, err := f.coordinator.IngestCapture(req)
	require.NoError(t, err)

	snap := f.coordinator.Snapshot()
	assert.Empty(t, snap.Lenses)
	assert.Equal(t, 0.0, snap.Focus)
}

// FUNCTIONAL VALIDATION TEST: Bad readings keep the image and the count
func TestCoordinator_IngestDerivationFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())
	f.monitor.Touch()
	f.broadcaster.reset()

	res, err := f.coordinator.IngestCapture(capture("odd.jpg", "north-ish", "0.5"))
	require.NoError(t, err)

	assert.Equal(t, types.IngestStatusPartial, res.Status)
	assert.Equal(t, 1, res.ServerTotal)
	assert.Nil(t, res.Record)
	assert.Contains(t, res.Warning, "azimuth")

	assert.Equal(t, 1, f.onDisk(t, f.coordinator.Current()))
	snap := f.coordinator.Snapshot()
	assert.Equal(t, 1, snap.Total)
	assert.Empty(t, snap.History)

	events := f.broadcaster.all()
	require.Len(t, events, 1, "dashboards get the new count without an upload event")
	init, ok := events[0].(*types.InitEvent)
	require.True(t, ok)
	assert.Equal(t, 1, init.Total)
	assert.Empty(t, init.History)
}

type brokenStore struct {
	*project.Store
}

func (brokenStore) SaveCapture(string, string, io.Reader) (int64, error) {
	return 0, errors.New("disk full")
}

func TestCoordinator_IngestPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "scan", 2)
	c := NewCoordinator(brokenStore{f.store}, f.broadcaster, f.monitor)
	require.NoError(t, c.SelectSession("scan"))
	f.monitor.Touch()
	f.broadcaster.reset()

	res, err := c.IngestCapture(capture("a.jpg", "10", "0.5"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPersistence)

	assert.Equal(t, 2, c.Snapshot().Total)
	assert.Empty(t, c.Snapshot().History)
	assert.Empty(t, f.broadcaster.all())
}

type recountFailingStore struct {
	*project.Store
	fail atomic.Bool
}

func (s *recountFailingStore) CountCaptures(id string) (int, error) {
	if s.fail.Load() {
		return 0, errors.New("input directory unreadable")
	}
	return s.Store.CountCaptures(id)
}

// FUNCTIONAL VALIDATION TEST: A capture that reached disk is never reported as a failure
func TestCoordinator_IngestRecountFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "scan", 2)
	store := &recountFailingStore{Store: f.store}
	c := NewCoordinator(store, f.broadcaster, f.monitor)
	require.NoError(t, c.SelectSession("scan"))
	f.monitor.Touch()
	f.broadcaster.reset()

	store.fail.Store(true)
	res, err := c.IngestCapture(capture("a.jpg", "10", "0.5"))
	require.NoError(t, err)

	assert.Equal(t, types.IngestStatusPartial, res.Status)
	assert.Equal(t, 2, res.ServerTotal, "previous total is kept")
	assert.Contains(t, res.Warning, "recount")
	assert.Nil(t, res.Record)
	assert.FileExists(t, filepath.Join(f.store.InputDir("scan"), "a.jpg"))
	assert.Empty(t, c.Snapshot().History)
	assert.Empty(t, f.broadcaster.all())
}

func TestCoordinator_IngestRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())

	_, err := f.coordinator.IngestCapture(capture("../escape.jpg", "10", "0.5"))
	assert.ErrorIs(t, err, types.ErrInvalidFilename)

	_, err = f.coordinator.IngestCapture(nil)
	assert.ErrorIs(t, err, ErrNilCapture)

	assert.Equal(t, 0, f.coordinator.Snapshot().Total)
}

// FUNCTIONAL VALIDATION TEST: Switching sessions clears coverage and rescans the count
func TestCoordinator_ActivateResetsAggregates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", 0)
	f.seed(t, "b", 6)
	require.NoError(t, f.coordinator.SelectSession("a"))

	req := capture("x.jpg", "45", "0.5")
	req.Calibrated = true
	_, err := f.coordinator.IngestCapture(req)
	require.NoError(t, err)
	require.NotEmpty(t, f.coordinator.Snapshot().History)

	f.broadcaster.reset()
	require.NoError(t, f.coordinator.Activate("b"))

	snap := f.coordinator.Snapshot()
	assert.Equal(t, "b", snap.Project)
	assert.Equal(t, 6, snap.Total)
	assert.Empty(t, snap.Sectors)
	assert.Empty(t, snap.Lenses)
	assert.Empty(t, snap.History)
	assert.Equal(t, 0.0, snap.Focus)

	inits := f.broadcaster.ofType(types.EventInit)
	require.Len(t, inits, 1)
	assert.Equal(t, snap, inits[0])

	// coming back does not restore in-memory history
	require.NoError(t, f.coordinator.Activate("a"))
	assert.Empty(t, f.coordinator.Snapshot().History)
	assert.Equal(t, 1, f.coordinator.Snapshot().Total)
}

// FUNCTIONAL VALIDATION TEST: A new observer's init matches the current aggregates
func TestCoordinator_AttachSendsSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())
	_, err := f.coordinator.IngestCapture(capture("a.jpg", "200", "0.25"))
	require.NoError(t, err)

	obs := &captureObserver{id: "dash"}
	require.NoError(t, f.coordinator.Attach(obs))
	require.Len(t, obs.frames, 1)

	var got types.InitEvent
	require.NoError(t, json.Unmarshal(obs.frames[0], &got))
	assert.Equal(t, *f.coordinator.Snapshot(), got)
	assert.Equal(t, []int{20}, got.Sectors)
	assert.True(t, got.Paired)

	f.coordinator.Detach("dash")
	assert.Empty(t, f.broadcaster.conns)
}

func TestCoordinator_CreateSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())

	id, err := f.coordinator.CreateSession("statue")
	require.NoError(t, err)
	assert.Equal(t, "statue", id)
	assert.Equal(t, "statue", f.coordinator.Current())

	f.clock.Advance(time.Hour)
	id, err = f.coordinator.CreateSession("")
	require.NoError(t, err)
	assert.Equal(t, "project_20240501_103000", id)
	assert.Equal(t, id, f.coordinator.Current())

	_, err = f.coordinator.CreateSession("../bad")
	assert.ErrorIs(t, err, types.ErrInvalidProjectID)
	assert.Equal(t, id, f.coordinator.Current())

	ids, err := f.coordinator.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"statue", "project_20240501_103000", "project_20240501_093000"}, ids)
}

func TestCoordinator_SelectMissingSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())
	current := f.coordinator.Current()

	err := f.coordinator.SelectSession("ghost")
	assert.ErrorIs(t, err, project.ErrProjectNotFound)
	assert.Equal(t, current, f.coordinator.Current())
	assert.False(t, f.store.Exists("ghost"))
}

func TestCoordinator_RenameSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "draft", 2)
	f.seed(t, "other", 1)
	require.NoError(t, f.coordinator.SelectSession("draft"))

	require.NoError(t, f.coordinator.RenameSession("draft", "fountain"))
	assert.Equal(t, "fountain", f.coordinator.Current())
	assert.Equal(t, 2, f.coordinator.Snapshot().Total)

	// renaming an inactive project leaves the active one alone
	require.NoError(t, f.coordinator.RenameSession("other", "other_v2"))
	assert.Equal(t, "fountain", f.coordinator.Current())

	assert.ErrorIs(t, f.coordinator.RenameSession("ghost", "x"), project.ErrProjectNotFound)
	assert.ErrorIs(t, f.coordinator.RenameSession("fountain", "other_v2"), project.ErrProjectExists)
}

// FUNCTIONAL VALIDATION TEST: Deleting the active session falls back to the most recent one
func TestCoordinator_DeleteActiveFallsBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "older", 3)
	f.seed(t, "active", 1)
	past := time.Now().Add(-time.Hour)
	for _, p := range []string{filepath.Join(f.store.Root(), "older"), f.store.InputDir("older")} {
		require.NoError(t, os.Chtimes(p, past, past))
	}
	require.NoError(t, f.coordinator.SelectSession("active"))

	require.NoError(t, f.coordinator.DeleteSession("active"))
	assert.Equal(t, "older", f.coordinator.Current())
	assert.Equal(t, 3, f.coordinator.Snapshot().Total)

	require.NoError(t, f.coordinator.DeleteSession("older"))
	assert.Equal(t, "project_20240501_093000", f.coordinator.Current())
	assert.True(t, f.store.Exists("project_20240501_093000"))

	assert.ErrorIs(t, f.coordinator.DeleteSession("older"), project.ErrProjectNotFound)
}

func TestCoordinator_DeleteInactiveKeepsCurrent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "keep", 1)
	f.seed(t, "drop", 1)
	require.NoError(t, f.coordinator.SelectSession("keep"))
	f.broadcaster.reset()

	require.NoError(t, f.coordinator.DeleteSession("drop"))
	assert.Equal(t, "keep", f.coordinator.Current())
	assert.Empty(t, f.broadcaster.all())
}

func TestCoordinator_HeartbeatAnnouncesPairingOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "scan", 3)
	require.NoError(t, f.coordinator.SelectSession("scan"))
	f.broadcaster.reset()

	ack := f.coordinator.Heartbeat()
	assert.Equal(t, types.PresenceAck{Paired: true, TotalCount: 3}, ack)
	f.coordinator.Heartbeat()

	events := f.broadcaster.ofType(types.EventPresenceChanged)
	require.Len(t, events, 1)
	assert.Equal(t, types.NewPresenceEvent(true, 3), events[0])
}

func TestCoordinator_PairBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "scan", 2)
	require.NoError(t, f.coordinator.SelectSession("scan"))
	f.broadcaster.reset()

	ack := f.coordinator.Pair("192.168.1.20")
	assert.Equal(t, 2, ack.TotalCount)
	assert.True(t, f.monitor.IsPaired())

	events := f.broadcaster.all()
	require.Len(t, events, 2)
	assert.Equal(t, types.NewPresenceEvent(true, 2), events[0])
	assert.Equal(t, types.NewPairEvent("192.168.1.20", 2), events[1])

	f.broadcaster.reset()
	f.coordinator.Pair("192.168.1.20")
	assert.Equal(t, []types.Event{types.NewPairEvent("192.168.1.20", 2)}, f.broadcaster.all(),
		"an already paired client only announces the pairing")
}

// FUNCTIONAL VALIDATION TEST: Heartbeat expiry emits exactly one unpaired event
func TestCoordinator_PresenceExpiryBroadcastsOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.monitor.Run(ctx, f.coordinator.SweepPresence)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	f.coordinator.Heartbeat()
	for i := 0; i < 8; i++ {
		f.clock.Advance(5 * time.Second)
	}

	unpaired := func() int {
		n := 0
		for _, e := range f.broadcaster.ofType(types.EventPresenceChanged) {
			if !e.(*types.PresenceEvent).Paired {
				n++
			}
		}
		return n
	}
	assert.Eventually(t, func() bool { return unpaired() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, unpaired())
	assert.False(t, f.coordinator.Snapshot().Paired)
}

func presenceStates(b *recordingBroadcaster) []bool {
	var states []bool
	for _, e := range b.ofType(types.EventPresenceChanged) {
		states = append(states, e.(*types.PresenceEvent).Paired)
	}
	return states
}

// FUNCTIONAL VALIDATION TEST: A heartbeat right after an expiry re-pairs the dashboard
func TestCoordinator_HeartbeatAfterSweepEndsPaired(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())

	f.coordinator.Heartbeat()
	f.clock.Advance(15 * time.Second)
	f.coordinator.SweepPresence()
	f.coordinator.Heartbeat()

	assert.Equal(t, []bool{true, false, true}, presenceStates(f.broadcaster))
	assert.True(t, f.monitor.IsPaired())
	assert.True(t, f.coordinator.Snapshot().Paired)
}

// FUNCTIONAL VALIDATION TEST: Sweeps racing heartbeats always leave the last presence
// broadcast equal to the monitor state, and transitions strictly alternate
func TestCoordinator_SweepRacingHeartbeats(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Initialize())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.clock.Advance(13 * time.Second)
			f.coordinator.SweepPresence()
		}
	}()
	for w := 0; w < 2; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f.coordinator.Heartbeat()
			}
		}()
	}
	wg.Wait()

	states := presenceStates(f.broadcaster)
	require.NotEmpty(t, states)
	assert.True(t, states[0], "first transition is a pairing")
	for i := 1; i < len(states); i++ {
		require.NotEqual(t, states[i-1], states[i], "transition %d repeats the previous state", i)
	}

	_, paired := f.monitor.LastHeartbeat()
	assert.Equal(t, paired, states[len(states)-1])
}

// FUNCTIONAL VALIDATION TEST: Concurrent ingest and activation never mix two sessions
func TestCoordinator_ConcurrentIngestAndActivate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", 0)
	f.seed(t, "b", 50)
	require.NoError(t, f.coordinator.SelectSession("a"))
	f.broadcaster.reset()

	const uploads = 20
	stop := make(chan struct{})
	toggled := make(chan struct{})
	go func() {
		defer close(toggled)
		next := "b"
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := f.coordinator.Activate(next); err != nil {
				t.Errorf("activate %s: %v", next, err)
				return
			}
			if next == "a" {
				next = "b"
			} else {
				next = "a"
			}
		}
	}()

	for i := 0; i < uploads; i++ {
		_, err := f.coordinator.IngestCapture(capture(fmt.Sprintf("cap_%02d.jpg", i), fmt.Sprint(i*18), "0.5"))
		require.NoError(t, err)
	}
	close(stop)
	<-toggled

	base := map[string]int{"a": 0, "b": 50}
	added := map[string]int{}
	for _, event := range f.broadcaster.all() {
		switch e := event.(type) {
		case *types.UploadEvent:
			added[e.Project]++
			assert.Equal(t, base[e.Project]+added[e.Project], e.TotalCount, "upload %s into %s", e.Filename, e.Project)
		case *types.InitEvent:
			assert.Equal(t, base[e.Project]+added[e.Project], e.Total, "init of %s", e.Project)
			assert.Empty(t, e.History)
		}
	}

	assert.Equal(t, uploads, added["a"]+added["b"])
	assert.Equal(t, added["a"], f.onDisk(t, "a"))
	assert.Equal(t, 50+added["b"], f.onDisk(t, "b"))
}
