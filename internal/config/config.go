// Package config provides centralized configuration management for corevisor.
// Configuration is loaded from a JSON file (comments allowed) at
// $XDG_CONFIG_HOME/corevisor/config.json, overridable via the COREVISOR_CONFIG
// environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "COREVISOR_CONFIG"

	// appName is used for default directory names.
	appName = "corevisor"
)

// Config is the root configuration structure
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Engine    EngineConfig    `json:"engine"`
	Timeouts  TimeoutsConfig  `json:"timeouts"`
	Retry     RetryConfig     `json:"retry"`
	DNS       DNSConfig       `json:"dns"`
	Link      LinkConfig      `json:"link"`
	Privilege PrivilegeConfig `json:"privilege"`
	Log       LogConfig       `json:"log"`
}

// PathsConfig defines filesystem paths used by the supervisor
type PathsConfig struct {
	EngineBinary    string `json:"engine_binary"`    // Engine executable (auto-discovered if empty)
	WorkDir         string `json:"work_dir"`         // Engine home directory (-d)
	RuntimeConfig   string `json:"runtime_config"`   // Generated engine profile (YAML)
	StateDir        string `json:"state_dir"`        // PID file and state database
	LogDir          string `json:"log_dir"`          // Durable logs
	ControlEndpoint string `json:"control_endpoint"` // Unix socket path or named pipe (platform default if empty)
}

// EngineConfig carries the feature toggles passed to the engine as environment variables.
type EngineConfig struct {
	DisableLoopbackDetector bool     `json:"disable_loopback_detector"`
	DisableEmbedCA          bool     `json:"disable_embed_ca"`
	DisableSystemCA         bool     `json:"disable_system_ca"`
	DisableNFTables         bool     `json:"disable_nftables"`
	SafePaths               []string `json:"safe_paths"`
}

// TimeoutsConfig defines timeout durations for supervisor operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// StopGrace is the wait after each shutdown signal before escalating.
	// Default: 3s (interrupt, then terminate, then kill).
	StopGrace string `json:"stop_grace"`

	// ProfileCheck bounds the engine self-test run.
	// Default: 30s.
	ProfileCheck string `json:"profile_check"`

	// Ready bounds how long a start attempt waits for the engine to report readiness.
	// Default: 60s.
	Ready string `json:"ready"`

	// ReadyPoll is the interval between control API confirmation probes.
	// Default: 100ms.
	ReadyPoll string `json:"ready_poll"`

	// JanitorBackoff is the wait between stale endpoint removal attempts.
	// Default: 1s.
	JanitorBackoff string `json:"janitor_backoff"`

	// JanitorSettle is the wait granted to the OS to reclaim an endpoint
	// owned by an elevated process.
	// Default: 1s.
	JanitorSettle string `json:"janitor_settle"`

	// PortTransientWait is the wait before rechecking a port that has no listener
	// but still fails to bind (TIME_WAIT).
	// Default: 500ms.
	PortTransientWait string `json:"port_transient_wait"`

	// LinkPoll is the network link polling interval.
	// Default: 5s.
	LinkPoll string `json:"link_poll"`

	// DNSRetry is the reschedule delay for DNS changes while the host is offline.
	// Default: 5s.
	DNSRetry string `json:"dns_retry"`
}

// GetStopGrace returns the stop grace period as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetStopGrace() time.Duration {
	return mustParseDuration(t.StopGrace)
}

// GetProfileCheck returns the profile check timeout as a time.Duration.
func (t *TimeoutsConfig) GetProfileCheck() time.Duration {
	return mustParseDuration(t.ProfileCheck)
}

// GetReady returns the readiness timeout as a time.Duration.
func (t *TimeoutsConfig) GetReady() time.Duration {
	return mustParseDuration(t.Ready)
}

// GetReadyPoll returns the readiness confirmation interval as a time.Duration.
func (t *TimeoutsConfig) GetReadyPoll() time.Duration {
	return mustParseDuration(t.ReadyPoll)
}

// GetJanitorBackoff returns the janitor retry backoff as a time.Duration.
func (t *TimeoutsConfig) GetJanitorBackoff() time.Duration {
	return mustParseDuration(t.JanitorBackoff)
}

// GetJanitorSettle returns the janitor settle delay as a time.Duration.
func (t *TimeoutsConfig) GetJanitorSettle() time.Duration {
	return mustParseDuration(t.JanitorSettle)
}

// GetPortTransientWait returns the TIME_WAIT recheck delay as a time.Duration.
func (t *TimeoutsConfig) GetPortTransientWait() time.Duration {
	return mustParseDuration(t.PortTransientWait)
}

// GetLinkPoll returns the link polling interval as a time.Duration.
func (t *TimeoutsConfig) GetLinkPoll() time.Duration {
	return mustParseDuration(t.LinkPoll)
}

// GetDNSRetry returns the offline DNS reschedule delay as a time.Duration.
func (t *TimeoutsConfig) GetDNSRetry() time.Duration {
	return mustParseDuration(t.DNSRetry)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// RetryConfig defines the fixed retry counts used by the supervisor.
type RetryConfig struct {
	CrashBudget     int `json:"crash_budget"`     // Unplanned exits tolerated between two Ready transitions
	JanitorAttempts int `json:"janitor_attempts"` // Stale endpoint removal attempts
	ReadyPolls      int `json:"ready_polls"`      // Control API confirmation probes after log readiness
	BindRetries     int `json:"bind_retries"`     // Restarts after a control endpoint bind error
	PortTransient   int `json:"port_transient"`   // TIME_WAIT rechecks before renegotiating
}

// DNSConfig controls the host DNS override used while TUN routing is active.
type DNSConfig struct {
	Override bool   `json:"override"` // Substitute the resolver while TUN is enabled
	Resolver string `json:"resolver"` // Public resolver to install
	Service  string `json:"service"`  // Network service name (detected if empty)
}

// LinkConfig controls the network link monitor.
type LinkConfig struct {
	Enabled bool     `json:"enabled"`
	Exclude []string `json:"exclude"` // Additional interface name substrings to ignore
}

// PrivilegeConfig controls TUN privilege elevation.
type PrivilegeConfig struct {
	// InstallRoots are directories where an installed engine binary lives.
	InstallRoots []string `json:"install_roots"`
	// DevRoots are directories where elevation is known to fail (development checkouts).
	DevRoots []string `json:"dev_roots"`
}

// LogConfig controls supervisor logging.
type LogConfig struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error
	Format string `json:"format"` // text or json
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get() calls
// are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// DefaultConfigPath returns the default location for the config file.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName, "config.json")
}

// Load loads configuration from COREVISOR_CONFIG or the default path.
// A missing file at the default path yields the default configuration;
// a missing file named explicitly through the environment is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath()
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Create one or unset %s to use defaults", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	// Apply defaults for empty fields
	cfg.applyDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	base := defaultBaseDir()
	home, _ := os.UserHomeDir()

	cfg := &Config{
		Paths: PathsConfig{
			EngineBinary:    "", // Auto-discovered
			WorkDir:         filepath.Join(base, "engine"),
			RuntimeConfig:   filepath.Join(base, "engine", "runtime.yaml"),
			StateDir:        filepath.Join(base, "state"),
			LogDir:          filepath.Join(base, "logs"),
			ControlEndpoint: "", // Platform default
		},
		Engine: EngineConfig{
			DisableLoopbackDetector: true,
			DisableEmbedCA:          false,
			DisableSystemCA:         false,
			DisableNFTables:         false,
		},
		Timeouts: TimeoutsConfig{
			StopGrace:         "3s",
			ProfileCheck:      "30s",
			Ready:             "60s",
			ReadyPoll:         "100ms",
			JanitorBackoff:    "1s",
			JanitorSettle:     "1s",
			PortTransientWait: "500ms",
			LinkPoll:          "5s",
			DNSRetry:          "5s",
		},
		Retry: RetryConfig{
			CrashBudget:     10,
			JanitorAttempts: 5,
			ReadyPolls:      30,
			BindRetries:     1,
			PortTransient:   3,
		},
		DNS: DNSConfig{
			Override: runtime.GOOS == "darwin",
			Resolver: "223.6.6.6",
		},
		Link: LinkConfig{
			Enabled: true,
		},
		Privilege: PrivilegeConfig{
			InstallRoots: defaultInstallRoots(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
	if home != "" {
		cfg.Privilege.DevRoots = []string{home}
	}
	return cfg
}

func defaultBaseDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(dir, appName)
}

func defaultInstallRoots() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/Applications"}
	case "windows":
		return []string{`C:\Program Files`}
	default:
		return []string{"/usr/bin", "/usr/lib", "/opt"}
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
	c.applyRetryDefaults(defaults)
	c.applyMiscDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = defaults.Paths.WorkDir
	}
	if c.Paths.RuntimeConfig == "" {
		c.Paths.RuntimeConfig = filepath.Join(c.Paths.WorkDir, "runtime.yaml")
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	// EngineBinary and ControlEndpoint are intentionally left empty for auto-discovery
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	set := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	set(&c.Timeouts.StopGrace, defaults.Timeouts.StopGrace)
	set(&c.Timeouts.ProfileCheck, defaults.Timeouts.ProfileCheck)
	set(&c.Timeouts.Ready, defaults.Timeouts.Ready)
	set(&c.Timeouts.ReadyPoll, defaults.Timeouts.ReadyPoll)
	set(&c.Timeouts.JanitorBackoff, defaults.Timeouts.JanitorBackoff)
	set(&c.Timeouts.JanitorSettle, defaults.Timeouts.JanitorSettle)
	set(&c.Timeouts.PortTransientWait, defaults.Timeouts.PortTransientWait)
	set(&c.Timeouts.LinkPoll, defaults.Timeouts.LinkPoll)
	set(&c.Timeouts.DNSRetry, defaults.Timeouts.DNSRetry)
}

func (c *Config) applyRetryDefaults(defaults *Config) {
	if c.Retry.CrashBudget == 0 {
		c.Retry.CrashBudget = defaults.Retry.CrashBudget
	}
	if c.Retry.JanitorAttempts == 0 {
		c.Retry.JanitorAttempts = defaults.Retry.JanitorAttempts
	}
	if c.Retry.ReadyPolls == 0 {
		c.Retry.ReadyPolls = defaults.Retry.ReadyPolls
	}
	if c.Retry.BindRetries == 0 {
		c.Retry.BindRetries = defaults.Retry.BindRetries
	}
	if c.Retry.PortTransient == 0 {
		c.Retry.PortTransient = defaults.Retry.PortTransient
	}
}

func (c *Config) applyMiscDefaults(defaults *Config) {
	if c.DNS.Resolver == "" {
		c.DNS.Resolver = defaults.DNS.Resolver
	}
	if len(c.Privilege.InstallRoots) == 0 {
		c.Privilege.InstallRoots = defaults.Privilege.InstallRoots
	}
	if len(c.Privilege.DevRoots) == 0 {
		c.Privilege.DevRoots = defaults.Privilege.DevRoots
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}
