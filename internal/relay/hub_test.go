package relay

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRegisterReplacesAndDrainsPriorDevice(t *testing.T) {
	hub := NewHub()
	first := hub.Register("dev1")
	waiter := first.AwaitResponse("client:req1")

	second := hub.Register("dev1")
	if second == first {
		t.Fatal("expected a fresh device on re-register")
	}

	select {
	case resp := <-waiter:
		var env struct {
			Status int
			Body   map[string]any
		}
		if err := json.Unmarshal(resp, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Status != 502 {
			t.Fatalf("want status 502, got %d", env.Status)
		}
		if env.Body["code"] != "DEVICE_DISCONNECTED" {
			t.Fatalf("want DEVICE_DISCONNECTED, got %+v", env.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("expected old device's pending request to resolve on drain")
	}

	got, ok := hub.Get("dev1")
	if !ok || got != second {
		t.Fatal("hub should resolve to the newer device")
	}
}

func TestDeliverResponseRoutesByTaggedID(t *testing.T) {
	d := newDevice("dev1")
	waiter := d.AwaitResponse("clientA:req1")
	other := d.AwaitResponse("clientB:req1")

	if !d.DeliverResponse("clientA:req1", []byte(`{"ok":true}`)) {
		t.Fatal("expected delivery to succeed")
	}

	select {
	case resp := <-waiter:
		if string(resp) != `{"ok":true}` {
			t.Fatalf("unexpected payload: %s", resp)
		}
	default:
		t.Fatal("expected waiter to receive response")
	}

	select {
	case <-other:
		t.Fatal("clientB's waiter should not have been resolved")
	default:
	}
}

func TestFanoutDropsWhenSinkFull(t *testing.T) {
	d := newDevice("dev1")
	sink := make(chan []byte, 1)
	d.Subscribe("sess1", "clientA", sink)

	d.Fanout("sess1", []byte("one"))
	d.Fanout("sess1", []byte("two"))

	if got := d.Dropped(); got != 1 {
		t.Fatalf("want 1 dropped, got %d", got)
	}
}

func TestRouteToClientDeliversToRegisteredSink(t *testing.T) {
	d := newDevice("dev1")
	sink := make(chan []byte, 1)
	d.RegisterClient("clientA", sink)

	if !d.RouteToClient("clientA", []byte("hi")) {
		t.Fatal("expected routed delivery to a registered client")
	}
	if got := <-sink; string(got) != "hi" {
		t.Fatalf("unexpected payload: %s", got)
	}

	d.UnregisterClient("clientA")
	if d.RouteToClient("clientA", []byte("hi")) {
		t.Fatal("expected no route after unregister")
	}
}

func TestDrainBroadcastsDeviceDisconnectedToSubscribers(t *testing.T) {
	d := newDevice("dev1")
	sink := make(chan []byte, 1)
	d.Subscribe("sess1", "clientA", sink)

	d.drain()

	select {
	case frame := <-sink:
		var env struct {
			Type   string
			Serial string
			Reason string
		}
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != "tunnel.device_disconnected" || env.Serial != "dev1" {
			t.Fatalf("unexpected frame: %+v", env)
		}
	default:
		t.Fatal("expected subscriber to receive device_disconnected frame")
	}
}

func TestSweepStaleEvictsOldHeartbeats(t *testing.T) {
	hub := NewHub()
	d := hub.Register("dev1")
	d.lastHeartbeat.set(time.Now().Add(-time.Minute))

	hub.SweepStale(10 * time.Second)

	if _, ok := hub.Get("dev1"); ok {
		t.Fatal("expected stale device to be evicted")
	}
	select {
	case <-d.Done():
	default:
		t.Fatal("expected device to be marked done after eviction")
	}
}
