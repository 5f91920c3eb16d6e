package modem

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReader struct {
	gpsCalls    int32
	signalCalls int32
}

func (f *fakeReader) ReadGPS(ctx context.Context) (GPSFix, error) {
	atomic.AddInt32(&f.gpsCalls, 1)
	return GPSFix{Latitude: 1, Longitude: 2, FixTime: time.Now(), Valid: true}, nil
}

func (f *fakeReader) ReadSignal(ctx context.Context) (SignalReading, error) {
	atomic.AddInt32(&f.signalCalls, 1)
	return SignalReading{RSSI: -70, Technology: "LTE", ReadTime: time.Now(), Valid: true}, nil
}

func TestPollerCachesInitialReadingImmediately(t *testing.T) {
	reader := &fakeReader{}
	p := NewPoller(reader)

	p.pollGPS(context.Background())
	p.pollSignal(context.Background())

	fix := p.LastFix()
	if !fix.Valid || fix.Latitude != 1 {
		t.Fatalf("unexpected fix: %+v", fix)
	}
	sig := p.LastSignal()
	if !sig.Valid || sig.RSSI != -70 {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestPollerRunPollsOnTickerUntilCancelled(t *testing.T) {
	reader := &fakeReader{}
	p := NewPoller(reader)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if atomic.LoadInt32(&reader.gpsCalls) == 0 {
		t.Fatal("expected at least one GPS poll")
	}
	if atomic.LoadInt32(&reader.signalCalls) == 0 {
		t.Fatal("expected at least one signal poll")
	}
}

type errReader struct{}

func (errReader) ReadGPS(ctx context.Context) (GPSFix, error) {
	return GPSFix{}, context.DeadlineExceeded
}

func (errReader) ReadSignal(ctx context.Context) (SignalReading, error) {
	return SignalReading{}, context.DeadlineExceeded
}

func TestPollerKeepsLastGoodReadingOnError(t *testing.T) {
	p := NewPoller(&fakeReader{})
	p.pollGPS(context.Background())

	p.reader = errReader{}
	p.pollGPS(context.Background())

	fix := p.LastFix()
	if !fix.Valid || fix.Latitude != 1 {
		t.Fatalf("expected last good fix to survive a read error, got %+v", fix)
	}
}
