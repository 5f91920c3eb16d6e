package relaystore

import (
	"context"
	"testing"
)

func TestEnrollAndAuthenticate(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Enroll(ctx, "dev-1", "secret-key", "front desk pi"); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	if !s.Authenticate(ctx, "dev-1", "secret-key") {
		t.Fatal("expected authentication to succeed with correct key")
	}
	if s.Authenticate(ctx, "dev-1", "wrong-key") {
		t.Fatal("expected authentication to fail with wrong key")
	}
	if s.Authenticate(ctx, "unknown", "secret-key") {
		t.Fatal("expected authentication to fail for unknown serial")
	}
}

func TestRevokeBlocksAuthentication(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Enroll(ctx, "dev-2", "secret-key", ""); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := s.Revoke(ctx, "dev-2"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.Authenticate(ctx, "dev-2", "secret-key") {
		t.Fatal("expected authentication to fail after revoke")
	}
}

func TestReEnrollClearsRevokedFlag(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	s.Enroll(ctx, "dev-3", "key1", "")
	s.Revoke(ctx, "dev-3")
	s.Enroll(ctx, "dev-3", "key2", "re-enrolled")

	dev, ok, err := s.Get(ctx, "dev-3")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if dev.Revoked {
		t.Fatal("expected revoked flag cleared after re-enroll")
	}
	if !s.Authenticate(ctx, "dev-3", "key2") {
		t.Fatal("expected authentication with new key to succeed")
	}
}

func TestListReturnsAllDevices(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	s.Enroll(ctx, "dev-a", "k", "")
	s.Enroll(ctx, "dev-b", "k", "")

	devices, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
}
