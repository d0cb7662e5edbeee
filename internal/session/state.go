package session

import (
	"fmt"
	"sort"

	"meshbridge/pkg/types"
)

// State is the in-memory aggregate of the active capture session
// FUNCTIONAL DISCOVERY: Coverage and history exist only for the active session and are
// rebuilt empty on every switch; the image count is the only value backed by disk
type State struct {
	ID          string
	ImageDir    string
	TotalImages int
	LastFocus   float64

	sectors map[int]struct{}
	lenses  map[int]struct{}
	history []types.CaptureRecord
}

// loadState builds a fresh aggregate for id, creating the project when needed.
// Errors leave the caller's current state untouched.
func loadState(store ProjectStore, id string) (*State, error) {
	if err := store.Create(id); err != nil {
		return nil, fmt.Errorf("failed to prepare project %s: %w", id, err)
	}

	total, err := store.CountCaptures(id)
	if err != nil {
		return nil, fmt.Errorf("failed to count captures of %s: %w", id, err)
	}

	return &State{
		ID:          id,
		ImageDir:    store.InputDir(id),
		TotalImages: total,
		sectors:     make(map[int]struct{}),
		lenses:      make(map[int]struct{}),
		history:     []types.CaptureRecord{},
	}, nil
}

// record folds a derived capture into the aggregate.
func (s *State) record(rec types.CaptureRecord) {
	s.sectors[rec.Sector] = struct{}{}
	if rec.LensCalibrated {
		s.lenses[rec.LensIndex] = struct{}{}
	}
	s.LastFocus = rec.Focus
	s.history = append(s.history, rec)
}

func (s *State) Sectors() []int {
	return sortedKeys(s.sectors)
}

func (s *State) CalibratedLenses() []int {
	return sortedKeys(s.lenses)
}

func (s *State) History() []types.CaptureRecord {
	out := make([]types.CaptureRecord, len(s.history))
	copy(out, s.history)
	return out
}

// snapshot renders the aggregate as the init event observers resync from.
func (s *State) snapshot(paired bool) *types.InitEvent {
	return &types.InitEvent{
		Type:    types.EventInit,
		Project: s.ID,
		Sectors: s.Sectors(),
		History: s.History(),
		Total:   s.TotalImages,
		Focus:   s.LastFocus,
		Lenses:  s.CalibratedLenses(),
		Paired:  paired,
	}
}

func sortedKeys(set map[int]struct{}) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
