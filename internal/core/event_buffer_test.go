package core

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func bufferEvent(i int) *SimEvent {
	e := NewSimEvent(time.Unix(int64(i), 0), "edr", "test", SeverityInfo, fmt.Sprintf("event %d", i))
	e.ID = fmt.Sprintf("e%d", i)
	return e
}

func TestEventBuffer_DefaultCapacity(t *testing.T) {
	if c := NewEventBuffer(0).Capacity(); c != DefaultEventBufferCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultEventBufferCapacity, c)
	}
}

func TestEventBuffer_PushAndSnapshot(t *testing.T) {
	b := NewEventBuffer(5)
	for i := 0; i < 3; i++ {
		if b.Push(bufferEvent(i)) {
			t.Fatalf("push %d evicted below capacity", i)
		}
	}
	if b.Len() != 3 {
		t.Fatalf("expected 3 buffered, got %d", b.Len())
	}

	snap := b.Snapshot(0)
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	if snap[0].ID != "e2" || snap[2].ID != "e0" {
		t.Errorf("expected newest first, got %s..%s", snap[0].ID, snap[2].ID)
	}
	if got := b.Snapshot(2); len(got) != 2 || got[0].ID != "e2" {
		t.Errorf("Snapshot(2) = %d events", len(got))
	}
	if got := b.Snapshot(99); len(got) != 3 {
		t.Errorf("Snapshot(99) should clamp to 3, got %d", len(got))
	}
}

func TestEventBuffer_EvictsOldest(t *testing.T) {
	b := NewEventBuffer(3)
	for i := 0; i < 7; i++ {
		b.Push(bufferEvent(i))
	}
	if b.Len() != 3 {
		t.Errorf("expected len 3, got %d", b.Len())
	}
	if b.Dropped() != 4 {
		t.Errorf("expected 4 dropped, got %d", b.Dropped())
	}
	snap := b.Snapshot(0)
	want := []string{"e6", "e5", "e4"}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("snap[%d] = %s, want %s", i, snap[i].ID, id)
		}
	}
}

func TestEventBuffer_ClearKeepsDropped(t *testing.T) {
	b := NewEventBuffer(2)
	for i := 0; i < 4; i++ {
		b.Push(bufferEvent(i))
	}
	b.Clear()
	if b.Len() != 0 || len(b.Snapshot(0)) != 0 {
		t.Error("expected empty buffer after Clear")
	}
	if b.Dropped() != 2 {
		t.Errorf("Clear should keep dropped count, got %d", b.Dropped())
	}
	b.ResetDropped()
	if b.Dropped() != 0 {
		t.Errorf("expected dropped 0 after ResetDropped, got %d", b.Dropped())
	}

	b.Push(bufferEvent(10))
	if snap := b.Snapshot(0); len(snap) != 1 || snap[0].ID != "e10" {
		t.Errorf("unexpected snapshot after clear: %v", snap)
	}
}

func TestEventBuffer_ConcurrentPush(t *testing.T) {
	b := NewEventBuffer(100)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Push(bufferEvent(w*1000 + i))
				_ = b.Snapshot(10)
			}
		}(w)
	}
	wg.Wait()

	if b.Len() != 100 {
		t.Errorf("expected full buffer, got %d", b.Len())
	}
	if b.Dropped() != 300 {
		t.Errorf("expected 300 dropped, got %d", b.Dropped())
	}
}
