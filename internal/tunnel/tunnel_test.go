package tunnel

import (
	"testing"
	"time"
)

func TestFlapRingDetectsRapidReconnects(t *testing.T) {
	var r flapRing
	if r.flapping() {
		t.Fatal("empty ring should not flap")
	}
	r.push(5 * time.Second)
	r.push(10 * time.Second)
	r.push(2 * time.Second)
	if !r.flapping() {
		t.Fatal("three sub-30s connections should count as flapping")
	}
}

func TestFlapRingIgnoresStableConnections(t *testing.T) {
	var r flapRing
	r.push(time.Minute)
	r.push(time.Minute)
	r.push(time.Minute)
	if r.flapping() {
		t.Fatal("long-lived connections should not flap")
	}
}

func TestParseRegisterAck(t *testing.T) {
	ok, forbidden := parseRegisterAck([]byte(`{"type":"tunnel.register.ack"}`))
	if !ok || forbidden {
		t.Fatalf("want ok, got ok=%v forbidden=%v", ok, forbidden)
	}

	ok, forbidden = parseRegisterAck([]byte(`{"type":"tunnel.register.error","reason":"FORBIDDEN"}`))
	if ok || !forbidden {
		t.Fatalf("want forbidden, got ok=%v forbidden=%v", ok, forbidden)
	}

	ok, forbidden = parseRegisterAck([]byte(`{"type":"tunnel.register.error","reason":"RETRY"}`))
	if ok || forbidden {
		t.Fatalf("want transient failure, got ok=%v forbidden=%v", ok, forbidden)
	}
}

func TestToWS(t *testing.T) {
	cases := map[string]string{
		"https://relay.example.com": "wss://relay.example.com",
		"http://relay.example.com":  "ws://relay.example.com",
	}
	for in, want := range cases {
		if got := toWS(in); got != want {
			t.Fatalf("toWS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatsTracksDroppedAndReconnects(t *testing.T) {
	var s Stats
	s.incDropped()
	s.incDropped()
	s.recordLifecycle("connected")
	s.recordLifecycle("disconnected")
	snap := s.Snapshot()
	if snap.DroppedOutbound != 2 {
		t.Fatalf("want 2 dropped, got %d", snap.DroppedOutbound)
	}
	if snap.Reconnects != 1 {
		t.Fatalf("want 1 reconnect, got %d", snap.Reconnects)
	}
}

func TestStatsTracksUptime(t *testing.T) {
	var s Stats
	start := time.Now()
	s.startUptime(start)
	s.touchUptime(start.Add(5 * time.Second))
	if got := s.Snapshot().UptimeMs; got != 5000 {
		t.Fatalf("want 5000ms uptime, got %d", got)
	}
}
