package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"time"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateRetry(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.validateDNS(); err != nil {
		return fmt.Errorf("dns: %w", err)
	}
	if err := c.validateLog(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}
	if c.Paths.RuntimeConfig == "" {
		return fmt.Errorf("runtime_config cannot be empty")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	if c.Paths.EngineBinary != "" {
		if err := validateExecutable(c.Paths.EngineBinary, "engine_binary"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"stop_grace":          c.Timeouts.StopGrace,
		"profile_check":       c.Timeouts.ProfileCheck,
		"ready":               c.Timeouts.Ready,
		"ready_poll":          c.Timeouts.ReadyPoll,
		"janitor_backoff":     c.Timeouts.JanitorBackoff,
		"janitor_settle":      c.Timeouts.JanitorSettle,
		"port_transient_wait": c.Timeouts.PortTransientWait,
		"link_poll":           c.Timeouts.LinkPoll,
		"dns_retry":           c.Timeouts.DNSRetry,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	fields := map[string]int{
		"crash_budget":     c.Retry.CrashBudget,
		"janitor_attempts": c.Retry.JanitorAttempts,
		"ready_polls":      c.Retry.ReadyPolls,
		"bind_retries":     c.Retry.BindRetries,
		"port_transient":   c.Retry.PortTransient,
	}
	for name, val := range fields {
		if val <= 0 {
			return fmt.Errorf("%s: must be > 0, got %d", name, val)
		}
		if val > 1000 {
			return fmt.Errorf("%s: too large (%d), max is 1000", name, val)
		}
	}
	return nil
}

func (c *Config) validateDNS() error {
	if !c.DNS.Override {
		return nil
	}
	if net.ParseIP(c.DNS.Resolver) == nil {
		return fmt.Errorf("resolver: %q is not an IP address", c.DNS.Resolver)
	}
	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format: must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	return nil
}

// validateExecutable checks that the path exists, is a regular file and has an execute bit.
func validateExecutable(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %s does not exist", name, path)
		}
		return fmt.Errorf("%s: cannot access %s: %w", name, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %s is a directory", name, path)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s: %s is not executable", name, path)
	}
	return nil
}
