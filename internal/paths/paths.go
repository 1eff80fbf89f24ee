// Package paths provides standard filesystem paths used by corevisor.
// These helpers take configuration as input to avoid global config coupling.
// EngineBinary may probe the filesystem when auto-discovering the engine.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spin-stack/corevisor/internal/config"
)

// PipePrefix is the namespace of Windows named pipes.
const PipePrefix = `\\.\pipe\`

// engineNames are the executable names a Clash-compatible engine ships under,
// in order of preference.
var engineNames = []string{"verge-mihomo", "mihomo", "clash-meta", "clash"}

// EngineBinary returns the engine executable based on the provided configuration.
func EngineBinary(pathsCfg config.PathsConfig) string {
	if pathsCfg.EngineBinary != "" {
		return pathsCfg.EngineBinary
	}
	return discoverEngine(executableDir())
}

// ControlEndpoint returns the unix socket path or named pipe the engine serves
// its control API on.
func ControlEndpoint(pathsCfg config.PathsConfig) string {
	if pathsCfg.ControlEndpoint != "" {
		return pathsCfg.ControlEndpoint
	}
	if runtime.GOOS == "windows" {
		return PipePrefix + "corevisor-engine"
	}
	// Kept short: sun_path is limited to 104 bytes on darwin.
	return filepath.Join("/tmp", "corevisor", "engine.sock")
}

// IsNamedPipe reports whether endpoint names a Windows named pipe.
func IsNamedPipe(endpoint string) bool {
	return strings.HasPrefix(endpoint, PipePrefix)
}

// PIDFile returns the file recording the pid of the supervised engine.
func PIDFile(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "engine.pid")
}

// StateDB returns the bbolt database holding persisted supervisor state.
func StateDB(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "corevisor.db")
}

// CheckDir returns the scratch working directory used for profile self-tests.
func CheckDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "check")
}

// EngineLog returns the file engine output is teed to.
func EngineLog(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.LogDir, "engine.log")
}

// SupervisorLog returns the durable error log.
func SupervisorLog(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.LogDir, "corevisor.log")
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

// discoverEngine attempts to find the engine binary
func discoverEngine(selfDir string) string {
	var dirs []string
	// Bundled next to the supervisor first
	if selfDir != "" {
		dirs = append(dirs, selfDir)
	}
	switch runtime.GOOS {
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/bin", "/usr/local/bin")
	case "windows":
	default:
		dirs = append(dirs, "/usr/local/bin", "/usr/bin")
	}

	for _, dir := range dirs {
		for _, name := range engineNames {
			path := filepath.Join(dir, name+exeSuffix())
			if fileExists(path) {
				return path
			}
		}
	}

	// Default fallback
	if selfDir != "" {
		return filepath.Join(selfDir, engineNames[0]+exeSuffix())
	}
	return engineNames[0] + exeSuffix()
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// fileExists checks if a file exists, resolving symlinks to the real path.
// This surfaces the real target but does not prevent TOCTOU issues.
func fileExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}
