package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("c1", Handle{Channel: ChannelControl})
	u2 := tr.Register("c2", Handle{Channel: ChannelAudio})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}
	byChannel := tr.CountByChannel()
	if byChannel[ChannelControl] != 1 || byChannel[ChannelAudio] != 1 || byChannel[ChannelUI] != 0 {
		t.Fatalf("by channel=%v", byChannel)
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_WaitTimesOutWhileOpen(t *testing.T) {
	tr := NewTracker()
	tr.Register("c1", Handle{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("expected Wait to time out")
	}
}

func TestTracker_ReRegisterReplaces(t *testing.T) {
	tr := NewTracker()
	tr.Register("c1", Handle{})
	u := tr.Register("c1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	u()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatalf("replaced entry kept the wait group open")
	}
}

func TestTracker_CloseAll_CallsClose(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("c1", Handle{Close: func() { c1.Add(1) }})
	tr.Register("c2", Handle{Close: func() { c2.Add(1) }})
	tr.Register("c3", Handle{})

	if n := tr.CloseAll(); n != 2 {
		t.Fatalf("closed=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("close calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_NotifyAll_BestEffort(t *testing.T) {
	tr := NewTracker()
	var n1, n2 atomic.Int64
	tr.Register("c1", Handle{Notify: func(string) error {
		n1.Add(1)
		return nil
	}})
	tr.Register("c2", Handle{Notify: func(string) error {
		n2.Add(1)
		return errors.New("queue full")
	}})

	if sent := tr.NotifyAll("bridge shutting down"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if n1.Load() != 1 || n2.Load() != 1 {
		t.Fatalf("notify calls=%d/%d, want 1/1", n1.Load(), n2.Load())
	}
}

func TestTracker_NilIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Register("c", Handle{})()
	if tr.Count() != 0 || tr.CloseAll() != 0 || tr.NotifyAll("x") != 0 {
		t.Fatalf("nil tracker should be inert")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait should return true")
	}
}
