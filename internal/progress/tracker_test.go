package progress

import (
	"testing"
	"time"
)

func TestRecentReturnsRingBoundedSteps(t *testing.T) {
	tr := New(10, 3, time.Hour)
	base := time.Now()

	for i := 0; i < 5; i++ {
		tr.Record("task-1", Step{Type: "tool_use", Message: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	steps := tr.Recent("task-1")
	if len(steps) != 3 {
		t.Fatalf("expected ring bounded to 3, got %d", len(steps))
	}
	if steps[0].Message != "c" || steps[2].Message != "e" {
		t.Errorf("expected the last 3 steps retained, got %+v", steps)
	}
}

func TestEvictsLeastRecentlyTouchedWhenFull(t *testing.T) {
	tr := New(2, 8, time.Hour)
	now := time.Now()

	tr.Record("task-1", Step{Message: "a", Timestamp: now})
	tr.Record("task-2", Step{Message: "b", Timestamp: now})
	tr.Record("task-1", Step{Message: "c", Timestamp: now}) // touches task-1 again
	tr.Record("task-3", Step{Message: "d", Timestamp: now}) // should evict task-2, the LRU one

	if tr.Recent("task-2") != nil {
		t.Error("expected task-2 to be evicted")
	}
	if tr.Recent("task-1") == nil {
		t.Error("expected task-1 to remain")
	}
	if tr.Recent("task-3") == nil {
		t.Error("expected task-3 to remain")
	}
}

func TestSweepExpiredRemovesStaleTasks(t *testing.T) {
	tr := New(10, 8, 10*time.Millisecond)
	tr.Record("task-1", Step{Message: "a", Timestamp: time.Now()})

	time.Sleep(20 * time.Millisecond)
	evicted := tr.SweepExpired(time.Now())
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if tr.Recent("task-1") != nil {
		t.Error("expected task-1 to be forgotten")
	}
}

func TestForgetRemovesTask(t *testing.T) {
	tr := New(10, 8, time.Hour)
	tr.Record("task-1", Step{Message: "a", Timestamp: time.Now()})
	tr.Forget("task-1")
	if tr.Recent("task-1") != nil {
		t.Error("expected task-1 to be forgotten")
	}
}
