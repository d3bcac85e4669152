package core

import (
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogRingBuffer_Empty(t *testing.T) {
	b := NewLogRingBuffer(100)
	if entries := b.GetEntries(10, ""); len(entries) != 0 {
		t.Errorf("new buffer should be empty, got %d entries", len(entries))
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestLogRingBuffer_ParsesZerologLines(t *testing.T) {
	b := NewLogRingBuffer(10)
	logger := zerolog.New(b).With().Timestamp().Str("component", "soar").Logger()
	logger.Warn().Str("run_id", "run-1").Msg("approval rejected")

	entries := b.GetEntries(1, "")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != "warn" || e.Component != "soar" || e.Message != "approval rejected" {
		t.Errorf("entry = %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestLogRingBuffer_PlainLine(t *testing.T) {
	b := NewLogRingBuffer(10)
	msg := "not json\n"
	n, err := b.Write([]byte(msg))
	if err != nil || n != len(msg) {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	e := b.GetEntries(1, "")[0]
	if e.Raw != "not json" || e.Message != "not json" || e.Level != "" {
		t.Errorf("entry = %+v", e)
	}
}

func TestLogRingBuffer_GetEntries_Bounds(t *testing.T) {
	b := NewLogRingBuffer(100)
	for i := 0; i < 5; i++ {
		b.Write([]byte("entry"))
	}
	tests := []struct {
		n, want int
	}{
		{3, 3},
		{100, 5},
		{0, 0},
		{-1, 0},
	}
	for _, tc := range tests {
		if got := len(b.GetEntries(tc.n, "")); got != tc.want {
			t.Errorf("GetEntries(%d) returned %d entries, want %d", tc.n, got, tc.want)
		}
	}
}

func TestLogRingBuffer_WrapKeepsChronologicalOrder(t *testing.T) {
	b := NewLogRingBuffer(3)
	for i := 0; i < 5; i++ {
		b.Write([]byte(strconv.Itoa(i)))
	}
	entries := b.GetEntries(3, "")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"2", "3", "4"} {
		if entries[i].Raw != want {
			t.Errorf("entries[%d].Raw = %q, want %q", i, entries[i].Raw, want)
		}
	}
	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
}

func TestLogRingBuffer_LevelFilter(t *testing.T) {
	b := NewLogRingBuffer(10)
	logger := zerolog.New(b)
	logger.Info().Msg("one")
	logger.Error().Msg("two")
	logger.Info().Msg("three")
	logger.Error().Msg("four")
	logger.Info().Msg("five")

	errs := b.GetEntries(10, "error")
	if len(errs) != 2 || errs[0].Message != "two" || errs[1].Message != "four" {
		t.Errorf("error entries = %+v", errs)
	}
	// n counts matches, newest first.
	infos := b.GetEntries(2, "INFO")
	if len(infos) != 2 || infos[0].Message != "three" || infos[1].Message != "five" {
		t.Errorf("info entries = %+v", infos)
	}
}

func TestLogRingBuffer_ConcurrentSafe(t *testing.T) {
	b := NewLogRingBuffer(100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Write([]byte("write"))
		}()
		go func() {
			defer wg.Done()
			b.GetEntries(5, "")
		}()
	}
	wg.Wait()
}
