package playbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestNewStoreParsesFrontmatterAndBody(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "deploy.md", "---\n"+
		"description: Deploy the service\n"+
		"params: env,version\n"+
		"---\n"+
		"echo deploying $env $version\n")

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	pb, ok := s.Get("deploy")
	if !ok {
		t.Fatal("expected deploy playbook to be loaded")
	}
	if pb.Description != "Deploy the service" {
		t.Fatalf("unexpected description: %q", pb.Description)
	}
	if len(pb.Params) != 2 || pb.Params[0] != "env" || pb.Params[1] != "version" {
		t.Fatalf("unexpected params: %v", pb.Params)
	}
	if pb.Body != "echo deploying $env $version\n" {
		t.Fatalf("unexpected body: %q", pb.Body)
	}
}

func TestLoadFileWithoutFrontmatter(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "bare.md", "just a body, no frontmatter\n")

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	pb, ok := s.Get("bare")
	if !ok {
		t.Fatal("expected bare playbook to be loaded")
	}
	if pb.Description != "" {
		t.Fatalf("expected empty description, got %q", pb.Description)
	}
}

func TestPutWritesFileAndDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.Put("restart", "Restart the service", []string{"force"}, "systemctl restart svc\n"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	pb, ok := s.Get("restart")
	if !ok {
		t.Fatal("expected restart playbook after Put")
	}
	if pb.Description != "Restart the service" {
		t.Fatalf("unexpected description: %q", pb.Description)
	}

	if err := s.Delete("restart"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("restart"); ok {
		t.Fatal("expected restart playbook to be gone after Delete")
	}
	if _, err := os.Stat(filepath.Join(dir, "restart.md")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err: %v", err)
	}
}

func TestWatchPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx)

	writeFixture(t, dir, "added.md", "---\ndescription: Added later\n---\nbody\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pb, ok := s.Get("added"); ok && pb.Description == "Added later" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up new playbook file in time")
}

func TestListSortedByName(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "zebra.md", "body\n")
	writeFixture(t, dir, "alpha.md", "body\n")

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	list := s.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zebra" {
		t.Fatalf("unexpected order: %+v", list)
	}
}
