// Package relay implements the Tunnel Relay (component I): the
// multi-tenant hub that accepts one long-lived WebSocket per registered
// device, accepts many short-lived client WebSocket/REST connections per
// device, and routes messages between them by request_id.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrDeviceNotFound is returned when a serial has no connected device.
var ErrDeviceNotFound = errors.New("relay: device not connected")

// Device represents one connected tunnel client's session with the relay.
type Device struct {
	Serial string

	out           chan []byte
	lastHeartbeat atomicTime

	mu          sync.Mutex
	pending     map[string]chan []byte            // "<client_id>:<request_id>" -> response waiter
	subscribers map[string]map[string]chan []byte // session_id -> client_id -> output sink
	clients     map[string]chan []byte            // client_id -> outbound sink, for tagged routing outside any subscription
	dropped     uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newDevice(serial string) *Device {
	return &Device{
		Serial:      serial,
		out:         make(chan []byte, 256),
		pending:     make(map[string]chan []byte),
		subscribers: make(map[string]map[string]chan []byte),
		clients:     make(map[string]chan []byte),
		done:        make(chan struct{}),
	}
}

func (d *Device) touch() { d.lastHeartbeat.set(time.Now()) }

func (d *Device) stale(timeout time.Duration) bool {
	return time.Since(d.lastHeartbeat.get()) > timeout
}

// Outbound is the channel the device's WS write loop drains.
func (d *Device) Outbound() <-chan []byte { return d.out }

// Done closes when the device is drained (unregistered or evicted).
func (d *Device) Done() <-chan struct{} { return d.done }

// Send enqueues a frame to the device, dropping it and counting if the
// device's outbound buffer is saturated.
func (d *Device) Send(frame []byte) bool {
	select {
	case d.out <- frame:
		return true
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return false
	}
}

// Subscribe registers clientID to receive session.stdout/stderr/system
// frames for sessionID.
func (d *Device) Subscribe(sessionID, clientID string, sink chan []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.subscribers[sessionID]
	if !ok {
		m = make(map[string]chan []byte)
		d.subscribers[sessionID] = m
	}
	m[clientID] = sink
}

// Unsubscribe removes a previously registered subscriber.
func (d *Device) Unsubscribe(sessionID, clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.subscribers[sessionID]; ok {
		delete(m, clientID)
		if len(m) == 0 {
			delete(d.subscribers, sessionID)
		}
	}
}

// RegisterClient makes sink reachable by RouteToClient under clientID.
// Every client WS connection registers itself here regardless of which
// sessions (if any) it goes on to subscribe to, so tagged responses with
// no session context yet — session.started acks, for instance — have
// somewhere to go.
func (d *Device) RegisterClient(clientID string, sink chan []byte) {
	d.mu.Lock()
	d.clients[clientID] = sink
	d.mu.Unlock()
}

// UnregisterClient removes a client's outbound sink.
func (d *Device) UnregisterClient(clientID string) {
	d.mu.Lock()
	delete(d.clients, clientID)
	d.mu.Unlock()
}

// RouteToClient delivers frame to the single client identified by
// clientID. Returns false if no such client is registered.
func (d *Device) RouteToClient(clientID string, frame []byte) bool {
	d.mu.Lock()
	sink, ok := d.clients[clientID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case sink <- frame:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
	return true
}

// Fanout delivers frame to every client subscribed to sessionID,
// dropping (and counting) for any subscriber whose sink is full.
func (d *Device) Fanout(sessionID string, frame []byte) {
	d.mu.Lock()
	subs := make([]chan []byte, 0, len(d.subscribers[sessionID]))
	for _, sink := range d.subscribers[sessionID] {
		subs = append(subs, sink)
	}
	d.mu.Unlock()
	for _, sink := range subs {
		select {
		case sink <- frame:
		default:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
		}
	}
}

// Broadcast delivers frame to every client subscribed to any session on
// this device (used for device-wide lifecycle events).
func (d *Device) Broadcast(frame []byte) {
	d.mu.Lock()
	var all []chan []byte
	for _, m := range d.subscribers {
		for _, sink := range m {
			all = append(all, sink)
		}
	}
	d.mu.Unlock()
	for _, sink := range all {
		select {
		case sink <- frame:
		default:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
		}
	}
}

// AwaitResponse registers a oneshot waiter keyed by the tagged request id
// ("<client_id>:<original_request_id>").
func (d *Device) AwaitResponse(taggedID string) chan []byte {
	ch := make(chan []byte, 1)
	d.mu.Lock()
	d.pending[taggedID] = ch
	d.mu.Unlock()
	return ch
}

// CancelResponse removes a waiter that timed out client-side.
func (d *Device) CancelResponse(taggedID string) {
	d.mu.Lock()
	delete(d.pending, taggedID)
	d.mu.Unlock()
}

// DeliverResponse routes a device's reply to the waiter registered under
// taggedID. Returns false if nothing was waiting (e.g. it already timed
// out).
func (d *Device) DeliverResponse(taggedID string, payload []byte) bool {
	d.mu.Lock()
	ch, ok := d.pending[taggedID]
	if ok {
		delete(d.pending, taggedID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
	default:
	}
	return true
}

// Dropped returns the device's dropped-message counter.
func (d *Device) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// syntheticDisconnect is delivered to pending REST oneshots when their
// device drains mid-request: a {status, body} envelope like any other
// op result, so the REST proxy's normal response handling applies
// unchanged and produces a 502 with a DEVICE_DISCONNECTED body.
var syntheticDisconnect = mustJSON(map[string]any{
	"status": http.StatusBadGateway,
	"body": map[string]any{
		"ok":     false,
		"code":   "DEVICE_DISCONNECTED",
		"reason": "tunnel client disconnected",
	},
})

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// deviceDisconnectedFrame is the lifecycle broadcast sent to every
// subscribed client WS when their device drains — distinct from the
// {status, body} result envelope since it isn't answering any one
// request.
func deviceDisconnectedFrame(serial, reason string) []byte {
	return mustJSON(map[string]any{
		"type":   "tunnel.device_disconnected",
		"serial": serial,
		"reason": reason,
	})
}

// drain fails every pending REST request with a synthetic
// DEVICE_DISCONNECTED response and notifies subscribed clients the
// device is gone.
func (d *Device) drain() {
	d.closeOnce.Do(func() { close(d.done) })

	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]chan []byte)
	d.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- syntheticDisconnect:
		default:
		}
	}
	d.Broadcast(deviceDisconnectedFrame(d.Serial, "tunnel client disconnected"))
}

// Hub tracks connected devices.
type Hub struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewHub returns an empty device registry.
func NewHub() *Hub { return &Hub{devices: make(map[string]*Device)} }

// Register adds or replaces the device entry for serial, draining any
// prior connection under the same serial first.
func (h *Hub) Register(serial string) *Device {
	d := newDevice(serial)
	d.touch()

	h.mu.Lock()
	old, existed := h.devices[serial]
	h.devices[serial] = d
	h.mu.Unlock()

	if existed {
		old.drain()
	}
	return d
}

// Unregister removes the device entry if it still points at d (a newer
// registration for the same serial must not be evicted by a stale one).
func (h *Hub) Unregister(serial string, d *Device) {
	h.mu.Lock()
	if cur, ok := h.devices[serial]; ok && cur == d {
		delete(h.devices, serial)
	}
	h.mu.Unlock()
	d.drain()
}

// Get returns the connected device for serial, if any.
func (h *Hub) Get(serial string) (*Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devices[serial]
	return d, ok
}

// Touch refreshes serial's heartbeat timestamp.
func (h *Hub) Touch(serial string) {
	if d, ok := h.Get(serial); ok {
		d.touch()
	}
}

// SweepStale evicts devices whose heartbeat is older than timeout.
func (h *Hub) SweepStale(timeout time.Duration) {
	h.mu.Lock()
	var stale []*Device
	for serial, d := range h.devices {
		if d.stale(timeout) {
			delete(h.devices, serial)
			stale = append(stale, d)
		}
	}
	h.mu.Unlock()
	for _, d := range stale {
		d.drain()
	}
}

// RunSweeper periodically evicts stale devices until ctx is cancelled.
func (h *Hub) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.SweepStale(timeout)
		case <-ctx.Done():
			return
		}
	}
}
