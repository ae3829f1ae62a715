package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".posync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix sessions/test/daemon.sock", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestStorePaths(t *testing.T) {
	if got := LocalDBPath("shop"); !strings.HasSuffix(got, filepath.Join("sessions", "shop", "local.db")) {
		t.Errorf("LocalDBPath(shop) = %q", got)
	}
	if got := HealthSocketPath("shop"); !strings.HasSuffix(got, filepath.Join("sessions", "shop", "health.sock")) {
		t.Errorf("HealthSocketPath(shop) = %q", got)
	}
	if got := LogPath("shop"); !strings.HasSuffix(got, filepath.Join("logs", "posyncd.log")) {
		t.Errorf("LogPath(shop) = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	tmpDir := t.TempDir()
	// Override BaseDir for testing by using a custom session dir.
	sessionDir := filepath.Join(tmpDir, "sessions", "test")
	logDir := filepath.Join(sessionDir, "logs")

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(logDir, 0700); err != nil {
		t.Fatal(err)
	}

	// Verify dirs were created.
	info, err := os.Stat(sessionDir)
	if err != nil {
		t.Fatalf("session dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("session dir is not a directory")
	}
}
