// Package profile reads and updates the generated engine runtime profile.
// Only the fields the supervisor coordinates on are modelled: the mixed port,
// the TUN block, the hot-reloadable top level switches and the provider names
// used for readiness detection. Every other key is preserved on rewrite.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultMixedPort is used when the profile does not set mixed-port.
const DefaultMixedPort = 7897

// TUN is the engine's virtual adapter block.
type TUN struct {
	Enable              bool     `yaml:"enable" json:"enable"`
	Stack               string   `yaml:"stack,omitempty" json:"stack,omitempty"`
	Device              string   `yaml:"device,omitempty" json:"device,omitempty"`
	AutoRoute           bool     `yaml:"auto-route" json:"auto-route"`
	AutoDetectInterface bool     `yaml:"auto-detect-interface" json:"auto-detect-interface"`
	StrictRoute         bool     `yaml:"strict-route,omitempty" json:"strict-route,omitempty"`
	DNSHijack           []string `yaml:"dns-hijack,omitempty" json:"dns-hijack,omitempty"`
}

// Profile is the subset of the runtime profile the supervisor reads.
type Profile struct {
	MixedPort int
	Mode      string
	AllowLAN  bool
	Secret    string
	TUN       TUN
	// Providers lists every proxy and rule provider name, sorted.
	Providers []string
}

type document struct {
	MixedPort      int                  `yaml:"mixed-port"`
	Mode           string               `yaml:"mode"`
	AllowLAN       bool                 `yaml:"allow-lan"`
	Secret         string               `yaml:"secret"`
	TUN            TUN                  `yaml:"tun"`
	ProxyProviders map[string]yaml.Node `yaml:"proxy-providers"`
	RuleProviders  map[string]yaml.Node `yaml:"rule-providers"`
}

// Parse decodes a runtime profile.
func Parse(data []byte) (*Profile, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	p := &Profile{
		MixedPort: doc.MixedPort,
		Mode:      doc.Mode,
		AllowLAN:  doc.AllowLAN,
		Secret:    doc.Secret,
		TUN:       doc.TUN,
	}
	if p.MixedPort == 0 {
		p.MixedPort = DefaultMixedPort
	}
	if p.Mode == "" {
		p.Mode = "rule"
	}

	seen := make(map[string]struct{})
	for name := range doc.ProxyProviders {
		seen[name] = struct{}{}
	}
	for name := range doc.RuleProviders {
		seen[name] = struct{}{}
	}
	for name := range seen {
		p.Providers = append(p.Providers, name)
	}
	sort.Strings(p.Providers)
	return p, nil
}

// HotPatch returns the fields of the profile that the engine accepts through
// an in-place configuration update.
func (p *Profile) HotPatch() map[string]any {
	return map[string]any{
		"mixed-port": p.MixedPort,
		"mode":       p.Mode,
		"allow-lan":  p.AllowLAN,
		"tun":        p.TUN,
	}
}

// File is the runtime profile on disk. Methods are safe for concurrent use.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a File for the profile at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the profile location.
func (f *File) Path() string {
	return f.path
}

// Load reads and parses the profile.
func (f *File) Load() (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", f.path, err)
	}
	return Parse(data)
}

// SetMixedPort rewrites mixed-port, keeping every other key.
func (f *File) SetMixedPort(port int) error {
	return f.update(func(raw map[string]any) {
		raw["mixed-port"] = port
	})
}

// DisableTUN sets tun.enable to false, keeping the rest of the TUN block.
func (f *File) DisableTUN() error {
	return f.update(func(raw map[string]any) {
		tun, ok := raw["tun"].(map[string]any)
		if !ok {
			tun = make(map[string]any)
		}
		tun["enable"] = false
		raw["tun"] = tun
	})
}

func (f *File) update(mutate func(raw map[string]any)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read profile %s: %w", f.path, err)
	}

	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse profile %s: %w", f.path, err)
	}
	mutate(raw)

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	return writeFileAtomic(f.path, out)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".profile-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp profile: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp profile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace profile: %w", err)
	}
	return nil
}
