// Package store holds the orchestrator's in-memory UI state: the event
// timeline, the human-readable log ring, the screenshot store, and the
// candidate map.
//
// Everything here is bounded — rings evict their oldest entry, the
// screenshot store evicts FIFO — so producers never block and memory
// stays flat regardless of uptime. Persistence of decisions is delegated
// to the backend's decision log; nothing in this package touches disk.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"krw-autopilot/pkg/types"
)

// Ring capacities. Oldest entries are dropped; no back-pressure on producers.
const (
	LogCapacity        = 120
	EventCapacity      = 400
	ScreenshotCapacity = 150
)

// Store is the orchestrator-owned state container. All operations are
// mutex-protected; workers reach it only through orchestrator callbacks,
// so contention is a handful of writers at worker-tick cadence.
type Store struct {
	mu         sync.RWMutex
	events     *ring[types.TimelineEvent]
	logs       *ring[string]
	shots      map[string]types.Screenshot
	shotOrder  []string // FIFO eviction order
	candidates map[string]types.Candidate
}

// New creates an empty state store.
func New() *Store {
	return &Store{
		events:     newRing[types.TimelineEvent](EventCapacity),
		logs:       newRing[string](LogCapacity),
		shots:      make(map[string]types.Screenshot),
		candidates: make(map[string]types.Candidate),
	}
}

// AddEvent assigns the event a UUID and timestamp if unset and appends it
// to the timeline ring. Returns the stored event.
func (s *Store) AddEvent(evt types.TimelineEvent) types.TimelineEvent {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	s.mu.Lock()
	s.events.push(evt)
	s.mu.Unlock()
	return evt
}

// Events returns the timeline newest-first.
func (s *Store) Events() []types.TimelineEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.items()
}

// AddLog appends one human-readable log line.
func (s *Store) AddLog(line string) {
	s.mu.Lock()
	s.logs.push(line)
	s.mu.Unlock()
}

// Logs returns log lines newest-first.
func (s *Store) Logs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs.items()
}

// PutScreenshot stores a screenshot under a fresh UUID, evicting the
// oldest entry once the store holds ScreenshotCapacity images. Returns
// the assigned id.
func (s *Store) PutScreenshot(mimeType, src string) string {
	shot := types.Screenshot{
		ID:       uuid.NewString(),
		At:       time.Now().UTC(),
		MimeType: mimeType,
		Src:      src,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.shotOrder) >= ScreenshotCapacity {
		oldest := s.shotOrder[0]
		s.shotOrder = s.shotOrder[1:]
		delete(s.shots, oldest)
	}
	s.shots[shot.ID] = shot
	s.shotOrder = append(s.shotOrder, shot.ID)
	return shot.ID
}

// Screenshot looks up a stored screenshot by id.
func (s *Store) Screenshot(id string) (types.Screenshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shot, ok := s.shots[id]
	return shot, ok
}

// ScreenshotCount returns the number of stored screenshots.
func (s *Store) ScreenshotCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shots)
}

// ReplaceCandidates swaps the whole candidate map in one step. Called at
// the end of each orchestrator tick so readers never see a half-built map.
func (s *Store) ReplaceCandidates(candidates map[string]types.Candidate) {
	s.mu.Lock()
	s.candidates = candidates
	s.mu.Unlock()
}

// SetCandidateStage updates one candidate's local stage and reason, if it
// exists. Used by pauseMarket between ticks.
func (s *Store) SetCandidateStage(market string, stage types.Stage, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[market]
	if !ok {
		return
	}
	c.LocalStage = stage
	c.LocalReason = reason
	c.UpdatedAt = time.Now().UTC()
	s.candidates[market] = c
}

// Candidates returns a copy of the candidate map.
func (s *Store) Candidates() map[string]types.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Candidate, len(s.candidates))
	for k, v := range s.candidates {
		out[k] = v
	}
	return out
}

// Clear drops all state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = newRing[types.TimelineEvent](EventCapacity)
	s.logs = newRing[string](LogCapacity)
	s.shots = make(map[string]types.Screenshot)
	s.shotOrder = nil
	s.candidates = make(map[string]types.Candidate)
}
