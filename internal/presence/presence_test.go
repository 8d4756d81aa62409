package presence

import (
	"testing"
	"time"
)

func TestUpsertCreatesAndRefreshes(t *testing.T) {
	tr := NewTracker("doc_1")
	tr.Upsert("user_a", Update{DisplayName: "Ada", CursorPosition: 4})

	c, ok := tr.Get("user_a")
	if !ok {
		t.Fatal("collaborator not created")
	}
	if c.DisplayName != "Ada" || c.CursorPosition != 4 {
		t.Errorf("unexpected state: %+v", c)
	}
	if !c.IsActive {
		t.Error("fresh collaborator should be active")
	}
	if c.Color == "" {
		t.Error("color not assigned")
	}

	tr.Upsert("user_a", Update{DisplayName: "Ada", CursorPosition: 9, SelectionStart: 2, SelectionEnd: 9})
	c, _ = tr.Get("user_a")
	if c.CursorPosition != 9 || c.SelectionStart != 2 || c.SelectionEnd != 9 {
		t.Errorf("cursor not refreshed: %+v", c)
	}
}

func TestColorDeterministic(t *testing.T) {
	if ColorFor("user_a") != ColorFor("user_a") {
		t.Error("color must be stable for the same user")
	}
}

func TestActiveWindows(t *testing.T) {
	tr := NewTracker("doc_1")
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.Upsert("fresh", Update{})
	tr.now = func() time.Time { return base.Add(-2 * time.Minute) }
	tr.Upsert("away", Update{})
	tr.now = func() time.Time { return base.Add(-10 * time.Minute) }
	tr.Upsert("gone", Update{})

	tr.now = func() time.Time { return base }
	active := tr.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d collaborators, want 2 (got %+v)", len(active), active)
	}
	// Sorted by user id: away, fresh.
	if active[0].UserID != "away" || active[0].IsActive {
		t.Errorf("away user should be listed but inactive: %+v", active[0])
	}
	if active[1].UserID != "fresh" || !active[1].IsActive {
		t.Errorf("fresh user should be active: %+v", active[1])
	}
}

func TestSweepEvicts(t *testing.T) {
	tr := NewTracker("doc_1")
	base := time.Now()
	tr.now = func() time.Time { return base.Add(-6 * time.Minute) }
	tr.Upsert("stale", Update{})
	tr.now = func() time.Time { return base }
	tr.Upsert("fresh", Update{})

	if n := tr.Sweep(); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if _, ok := tr.Get("stale"); ok {
		t.Error("stale collaborator survived the sweep")
	}
	if _, ok := tr.Get("fresh"); !ok {
		t.Error("fresh collaborator evicted")
	}
}

func TestRemoveNotifiesListeners(t *testing.T) {
	tr := NewTracker("doc_1")
	var calls int
	var last []Collaborator
	tr.Listen(func(active []Collaborator) {
		calls++
		last = active
	})

	tr.Upsert("user_a", Update{})
	tr.Upsert("user_b", Update{})
	tr.Remove("user_a")

	if calls != 3 {
		t.Errorf("listener called %d times, want 3", calls)
	}
	if len(last) != 1 || last[0].UserID != "user_b" {
		t.Errorf("final active list wrong: %+v", last)
	}

	// Removing an unknown user must not notify.
	tr.Remove("user_x")
	if calls != 3 {
		t.Errorf("listener called on no-op removal")
	}
}
