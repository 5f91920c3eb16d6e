package buffer

import (
	"testing"
)

func TestReadSinceIsStrictlyIncreasing(t *testing.T) {
	b := New(100)
	for i := 0; i < 10; i++ {
		b.Push(Stdout, "x")
	}
	entries, _ := b.ReadSince(0)
	if len(entries) != 10 {
		t.Fatalf("want 10 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			t.Fatalf("non-contiguous sequence at %d: %d -> %d", i, entries[i-1].Seq, entries[i].Seq)
		}
	}
}

func TestCapacityEvictionKeepsLastC(t *testing.T) {
	const cap = 5
	b := New(cap)
	const pushes = 17
	for i := 0; i < pushes; i++ {
		b.Push(Stdout, "x")
	}
	entries, _ := b.ReadSince(0)
	if len(entries) != cap {
		t.Fatalf("want %d entries retained, got %d", cap, len(entries))
	}
	wantFirst := uint64(pushes - cap + 1)
	if entries[0].Seq != wantFirst {
		t.Fatalf("want first retained seq %d, got %d", wantFirst, entries[0].Seq)
	}
	if entries[cap-1].Seq != uint64(pushes) {
		t.Fatalf("want last seq %d, got %d", pushes, entries[cap-1].Seq)
	}
}

func TestReadSincePlusDroppedEqualsTotalPushes(t *testing.T) {
	b := New(4)
	const pushes = 20
	for i := 0; i < pushes; i++ {
		b.Push(Stdout, "x")
	}
	entries, dropped := b.ReadSince(0)
	if uint64(len(entries))+dropped != pushes {
		t.Fatalf("len(entries)=%d + dropped=%d != %d", len(entries), dropped, pushes)
	}
}

func TestReadSinceSameArgsIsIdempotent(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		b.Push(Stdout, "x")
	}
	e1, d1 := b.ReadSince(2)
	e2, d2 := b.ReadSince(2)
	if len(e1) != len(e2) || d1 != d2 {
		t.Fatalf("ReadSince(2) not idempotent: (%d,%d) vs (%d,%d)", len(e1), d1, len(e2), d2)
	}
	for i := range e1 {
		if e1[i] != e2[i] {
			t.Fatalf("entry %d differs between calls", i)
		}
	}
}

func TestHasEntriesSince(t *testing.T) {
	b := New(10)
	if b.HasEntriesSince(0) {
		t.Fatal("empty buffer should report no entries since 0")
	}
	b.Push(Stdout, "x")
	if !b.HasEntriesSince(0) {
		t.Fatal("expected entries since 0 after a push")
	}
	if b.HasEntriesSince(1) {
		t.Fatal("should have no entries strictly after the only pushed seq")
	}
}

func TestNotifierWakesOnPush(t *testing.T) {
	b := New(10)
	ch := b.Notifier()
	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()
	b.Push(Stdout, "x")
	<-done
}

type recordingSink struct {
	entries []Entry
}

func (s *recordingSink) Push(e Entry) {
	s.entries = append(s.entries, e)
}

func TestSinkReceivesEveryPush(t *testing.T) {
	b := New(10)
	s := &recordingSink{}
	b.SetSink(s)
	for i := 0; i < 5; i++ {
		b.Push(Stderr, "y")
	}
	if len(s.entries) != 5 {
		t.Fatalf("want 5 entries forwarded to sink, got %d", len(s.entries))
	}
}
