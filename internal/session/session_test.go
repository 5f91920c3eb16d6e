package session

import (
	"strings"
	"testing"
	"time"
)

func launchPipe(t *testing.T, args ...string) *Session {
	t.Helper()
	sess, err := Launch("test-session", LaunchOpts{
		ShellPath:  "/bin/sh",
		Args:       append([]string{"-c"}, args...),
		WorkingDir: "/tmp",
		Env:        BuildEnv(nil),
		BufferCap:  1000,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(sess.GracefulKill)
	return sess
}

func TestPipeSessionCapturesStdout(t *testing.T) {
	sess := launchPipe(t, "echo hello")
	<-sess.Done()

	entries, _ := sess.Buffer.ReadSince(0)
	var out strings.Builder
	for _, e := range entries {
		if e.Stream == 0 { // Stdout
			out.WriteString(e.Data)
		}
	}
	if !strings.Contains(out.String(), "hello") {
		t.Fatalf("expected stdout to contain 'hello', got %q", out.String())
	}
}

func TestPipeSessionExitCodeRecorded(t *testing.T) {
	sess := launchPipe(t, "exit 3")
	<-sess.Done()

	status, code := sess.StatusAndExitCode()
	if status != Exited {
		t.Fatalf("want Exited, got %v", status)
	}
	if code == nil || *code != 3 {
		t.Fatalf("want exit code 3, got %v", code)
	}
}

func TestWriteStdinFailsAfterExit(t *testing.T) {
	sess := launchPipe(t, "true")
	<-sess.Done()

	if err := sess.WriteStdin([]byte("x")); err != ErrSessionClosed {
		t.Fatalf("want ErrSessionClosed, got %v", err)
	}
}

func TestResizeFailsOnPipeSession(t *testing.T) {
	sess := launchPipe(t, "sleep 2")
	if err := sess.Resize(24, 80); err != ErrNotPTY {
		t.Fatalf("want ErrNotPTY, got %v", err)
	}
}

func TestGracefulKillTerminatesLongRunningProcess(t *testing.T) {
	sess := launchPipe(t, "sleep 30")
	start := time.Now()
	sess.GracefulKill()
	if time.Since(start) > gracefulKillWindow+time.Second {
		t.Fatalf("graceful kill took too long: %v", time.Since(start))
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("session should be done after GracefulKill returns")
	}
}

func TestArchivedSessionHasNoProcess(t *testing.T) {
	exitCode := 0
	sess := Archive("archived-1", nil, 100, &exitCode)
	if !sess.Archived {
		t.Fatal("want Archived true")
	}
	if err := sess.SendSignal(15); err == nil {
		t.Fatal("signaling an archived session should fail")
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("archived session's Done channel should already be closed")
	}
}
