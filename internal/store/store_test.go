package store

import (
	"fmt"
	"testing"

	"krw-autopilot/pkg/types"
)

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()

	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}

	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}
	got := r.items()
	want := []int{5, 4, 3} // newest-first
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEventRingCapacity(t *testing.T) {
	t.Parallel()

	s := New()
	for i := 0; i < EventCapacity+50; i++ {
		s.AddEvent(types.TimelineEvent{
			Type:   types.EventSystem,
			Level:  types.LevelInfo,
			Action: fmt.Sprintf("evt-%d", i),
		})
	}

	events := s.Events()
	if len(events) != EventCapacity {
		t.Fatalf("len(events) = %d, want %d", len(events), EventCapacity)
	}
	if events[0].Action != fmt.Sprintf("evt-%d", EventCapacity+49) {
		t.Errorf("newest event = %s, want evt-%d", events[0].Action, EventCapacity+49)
	}
}

func TestAddEventAssignsUniqueIDs(t *testing.T) {
	t.Parallel()

	s := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		evt := s.AddEvent(types.TimelineEvent{Type: types.EventWorker, Action: "x"})
		if evt.ID == "" {
			t.Fatal("event id not assigned")
		}
		if seen[evt.ID] {
			t.Fatalf("duplicate event id %s", evt.ID)
		}
		seen[evt.ID] = true
		if evt.At.IsZero() {
			t.Fatal("event timestamp not assigned")
		}
	}
}

func TestLogRingCapacity(t *testing.T) {
	t.Parallel()

	s := New()
	for i := 0; i < LogCapacity+30; i++ {
		s.AddLog(fmt.Sprintf("line %d", i))
	}
	if got := len(s.Logs()); got != LogCapacity {
		t.Errorf("len(logs) = %d, want %d", got, LogCapacity)
	}
}

func TestScreenshotFIFOEviction(t *testing.T) {
	t.Parallel()

	s := New()
	var first string
	for i := 0; i < ScreenshotCapacity; i++ {
		id := s.PutScreenshot("image/png", "data:image/png;base64,AAAA")
		if i == 0 {
			first = id
		}
	}
	if s.ScreenshotCount() != ScreenshotCapacity {
		t.Fatalf("count = %d, want %d", s.ScreenshotCount(), ScreenshotCapacity)
	}
	if _, ok := s.Screenshot(first); !ok {
		t.Fatal("first screenshot missing before eviction")
	}

	s.PutScreenshot("image/png", "data:image/png;base64,BBBB")

	if s.ScreenshotCount() != ScreenshotCapacity {
		t.Errorf("count after overflow = %d, want %d", s.ScreenshotCount(), ScreenshotCapacity)
	}
	if _, ok := s.Screenshot(first); ok {
		t.Error("oldest screenshot should have been evicted")
	}
}

func TestReplaceCandidatesAndSetStage(t *testing.T) {
	t.Parallel()

	s := New()
	s.ReplaceCandidates(map[string]types.Candidate{
		"KRW-BTC": {
			Opportunity: types.Opportunity{Market: "KRW-BTC", Stage: types.StageAutoPass},
			LocalStage:  types.StageAutoPass,
		},
	})

	s.SetCandidateStage("KRW-BTC", types.StageCooldown, "paused by operator")
	s.SetCandidateStage("KRW-ETH", types.StageCooldown, "no such candidate")

	got := s.Candidates()
	if len(got) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(got))
	}
	c := got["KRW-BTC"]
	if c.LocalStage != types.StageCooldown || c.LocalReason != "paused by operator" {
		t.Errorf("candidate = %+v, want COOLDOWN/paused by operator", c)
	}
}
