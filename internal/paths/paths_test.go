package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spin-stack/corevisor/internal/config"
)

func TestFileExists_ResolvesSymlinks(t *testing.T) {
	tmpDir := t.TempDir()

	realFile := filepath.Join(tmpDir, "realfile")
	if err := os.WriteFile(realFile, []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}
	symlinkPath := filepath.Join(tmpDir, "linkfile")
	if err := os.Symlink(realFile, symlinkPath); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if !fileExists(symlinkPath) {
		t.Error("fileExists should return true for symlink to existing file")
	}
	if !fileExists(realFile) {
		t.Error("fileExists should return true for real file")
	}
}

func TestFileExists_FailsForDirectory(t *testing.T) {
	if fileExists(t.TempDir()) {
		t.Error("fileExists should return false for a directory")
	}
}

func TestEngineBinary_ExplicitConfig(t *testing.T) {
	cfg := config.PathsConfig{EngineBinary: "/custom/mihomo"}

	if got := EngineBinary(cfg); got != "/custom/mihomo" {
		t.Errorf("EngineBinary() = %q, want %q", got, "/custom/mihomo")
	}
}

func TestDiscoverEngine_PrefersBundled(t *testing.T) {
	selfDir := t.TempDir()

	bundled := filepath.Join(selfDir, "mihomo"+exeSuffix())
	if err := os.WriteFile(bundled, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	if got := discoverEngine(selfDir); got != bundled {
		t.Errorf("discoverEngine() = %q, want %q", got, bundled)
	}

	preferred := filepath.Join(selfDir, "verge-mihomo"+exeSuffix())
	if err := os.WriteFile(preferred, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if got := discoverEngine(selfDir); got != preferred {
		t.Errorf("discoverEngine() = %q, want %q", got, preferred)
	}
}

func TestControlEndpoint(t *testing.T) {
	explicit := config.PathsConfig{ControlEndpoint: "/run/engine.sock"}
	if got := ControlEndpoint(explicit); got != "/run/engine.sock" {
		t.Errorf("ControlEndpoint() = %q, want explicit path", got)
	}

	got := ControlEndpoint(config.PathsConfig{})
	if runtime.GOOS == "windows" {
		if !IsNamedPipe(got) {
			t.Errorf("expected named pipe on windows, got %q", got)
		}
		return
	}
	if IsNamedPipe(got) {
		t.Errorf("expected unix socket path, got %q", got)
	}
	if len(got) >= 104 {
		t.Errorf("default socket path too long for sun_path: %q", got)
	}
}

func TestStatePaths(t *testing.T) {
	cfg := config.PathsConfig{StateDir: "/state", LogDir: "/logs"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pid file", PIDFile(cfg), filepath.Join("/state", "engine.pid")},
		{"state db", StateDB(cfg), filepath.Join("/state", "corevisor.db")},
		{"check dir", CheckDir(cfg), filepath.Join("/state", "check")},
		{"engine log", EngineLog(cfg), filepath.Join("/logs", "engine.log")},
		{"supervisor log", SupervisorLog(cfg), filepath.Join("/logs", "corevisor.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
