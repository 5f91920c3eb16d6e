package activity

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	l := New(10)
	e1 := l.Append(KindExec, SourceWS, "ls -la", nil, "sess-1", "")
	e2 := l.Append(KindExec, SourceWS, "pwd", nil, "sess-1", "")
	if e2.ID != e1.ID+1 {
		t.Fatalf("want monotonic ids, got %d then %d", e1.ID, e2.ID)
	}
}

func TestSummaryTruncatedAndWhitespaceCollapsed(t *testing.T) {
	l := New(10)
	raw := strings.Repeat("word ", 40)
	e := l.Append(KindExec, SourceREST, raw, nil, "", "")
	if n := utf8.RuneCountInString(e.Summary); n > summaryMaxLen {
		t.Fatalf("summary too long: %d chars", n)
	}
	if strings.Contains(e.Summary, "  ") {
		t.Fatal("summary should have collapsed whitespace")
	}
}

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Append(KindExec, SourceWS, "cmd", nil, "", "")
	}
	entries := l.List(Filter{})
	if len(entries) != 3 {
		t.Fatalf("want 3 retained entries, got %d", len(entries))
	}
	if entries[0].ID != 2 {
		t.Fatalf("want oldest retained id 2, got %d", entries[0].ID)
	}
}

func TestFilterByKindSourceSession(t *testing.T) {
	l := New(10)
	l.Append(KindExec, SourceWS, "a", nil, "sess-1", "")
	l.Append(KindFileRead, SourceREST, "b", nil, "sess-2", "")
	l.Append(KindExec, SourceREST, "c", nil, "sess-1", "")

	got := l.List(Filter{Kind: KindExec})
	if len(got) != 2 {
		t.Fatalf("want 2 exec entries, got %d", len(got))
	}

	got = l.List(Filter{SessionID: "sess-1"})
	if len(got) != 2 {
		t.Fatalf("want 2 sess-1 entries, got %d", len(got))
	}

	got = l.List(Filter{Source: SourceREST, SessionID: "sess-1"})
	if len(got) != 1 {
		t.Fatalf("want 1 matching entry, got %d", len(got))
	}
}

func TestSubscriberReceivesAppendedEntries(t *testing.T) {
	l := New(10)
	sub := l.Subscribe()
	defer l.Unsubscribe(sub)

	l.Append(KindExec, SourceWS, "cmd", nil, "", "")
	select {
	case e := <-sub.Chan():
		if e.Kind != KindExec {
			t.Fatalf("want KindExec, got %v", e.Kind)
		}
	default:
		t.Fatal("expected subscriber to receive the appended entry")
	}
}

func TestExecCacheFIFOEviction(t *testing.T) {
	c := NewExecCache(2)
	c.Put(1, ExecResult{Command: "a"})
	c.Put(2, ExecResult{Command: "b"})
	c.Put(3, ExecResult{Command: "c"})

	if _, ok := c.Get(1); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if r, ok := c.Get(3); !ok || r.Command != "c" {
		t.Fatal("most recent entry should still be present")
	}
}
