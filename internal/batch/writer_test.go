package batch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleLastWriteWins(t *testing.T) {
	w := NewWriter(50*time.Millisecond, 100)
	defer w.Stop()

	var got atomic.Int32
	w.Schedule("key", func() { got.Store(1) })
	w.Schedule("key", func() { got.Store(2) })

	if w.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (coalesced)", w.PendingCount())
	}

	w.Stop()
	if got.Load() != 2 {
		t.Errorf("flushed value = %d, want 2 (latest wins)", got.Load())
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	w := NewWriter(time.Hour, 3)
	defer w.Stop()

	var calls atomic.Int32
	w.Schedule("a", func() { calls.Add(1) })
	w.Schedule("b", func() { calls.Add(1) })
	if calls.Load() != 0 {
		t.Fatal("flushed before reaching batch size")
	}

	w.Schedule("c", func() { calls.Add(1) })
	if calls.Load() != 3 {
		t.Errorf("calls = %d after batch-size flush, want 3", calls.Load())
	}
	if w.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after flush, want 0", w.PendingCount())
	}
}

func TestTimerFlush(t *testing.T) {
	w := NewWriter(20*time.Millisecond, 100)
	w.Start()
	defer w.Stop()

	done := make(chan struct{})
	var once sync.Once
	w.Schedule("key", func() { once.Do(func() { close(done) }) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer flush never fired")
	}
}

func TestStopFlushesAndIsIdempotent(t *testing.T) {
	w := NewWriter(time.Hour, 100)
	w.Start()

	var calls atomic.Int32
	w.Schedule("a", func() { calls.Add(1) })

	w.Stop()
	w.Stop()

	if calls.Load() != 1 {
		t.Errorf("calls = %d after stop, want 1", calls.Load())
	}
}

func TestScheduleAfterStopRunsSynchronously(t *testing.T) {
	w := NewWriter(time.Hour, 100)
	w.Stop()

	var ran bool
	w.Schedule("late", func() { ran = true })
	if !ran {
		t.Error("callback after Stop did not run synchronously")
	}
}

func TestPanickingCallbackDoesNotKillLoop(t *testing.T) {
	w := NewWriter(10*time.Millisecond, 100)
	w.Start()
	defer w.Stop()

	w.Schedule("bad", func() { panic("boom") })

	done := make(chan struct{})
	var once sync.Once
	// Give the panicking callback a tick to flush first.
	time.Sleep(30 * time.Millisecond)
	w.Schedule("good", func() { once.Do(func() { close(done) }) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop dead after panicking callback")
	}
}
