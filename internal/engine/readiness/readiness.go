// Package readiness turns engine log lines into typed events and decides
// when a start attempt is ready.
//
// The engine log format is not a versioned contract. Every string the
// supervisor depends on lives in this file; testdata/ holds recorded output
// that the contract tests replay.
package readiness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spin-stack/corevisor/internal/clock"
	"github.com/spin-stack/corevisor/internal/retry"
)

// Kind classifies a log line.
type Kind int

const (
	// None is any line the supervisor does not act on.
	None Kind = iota
	// EndpointListening: the control API is bound.
	EndpointListening
	// ProviderReady: a named provider finished initial loading.
	ProviderReady
	// DefaultProviderReady: the built-in provider initialized.
	DefaultProviderReady
	// BindConflict: the control endpoint could not be bound.
	BindConflict
	// PermissionDenied: the TUN device could not be configured.
	PermissionDenied
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case EndpointListening:
		return "endpoint-listening"
	case ProviderReady:
		return "provider-ready"
	case DefaultProviderReady:
		return "default-provider-ready"
	case BindConflict:
		return "bind-conflict"
	case PermissionDenied:
		return "permission-denied"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is a translated log line. Line keeps the raw text for error reports.
type Event struct {
	Kind     Kind
	Provider string
	Line     string
}

const (
	providerPrefix        = "start initial provider "
	defaultProviderPrefix = "start initial compatible provider default"
	tunDenied             = "configure tun interface: operation not permitted"
)

var (
	listeningMarkers = []string{
		"restful api unix listening at",
		"restful api pipe listening at",
	}
	bindErrorMarkers = []string{
		"external controller unix listen error",
		"external controller pipe listen error",
	}
)

// Translate classifies one raw output line.
func Translate(line string) Event {
	msg := message(line)
	lower := strings.ToLower(msg)
	ev := Event{Kind: None, Line: line}

	switch {
	case containsAny(lower, bindErrorMarkers):
		ev.Kind = BindConflict
	case strings.Contains(lower, tunDenied):
		ev.Kind = PermissionDenied
	case containsAny(lower, listeningMarkers):
		ev.Kind = EndpointListening
	case strings.HasPrefix(lower, defaultProviderPrefix):
		ev.Kind = DefaultProviderReady
	case strings.HasPrefix(lower, providerPrefix):
		ev.Kind = ProviderReady
		ev.Provider = strings.Trim(strings.TrimSpace(msg[len(providerPrefix):]), "`'")
	}
	return ev
}

// message extracts the msg="..." field of a logfmt line, or returns the
// trimmed line when there is none.
func message(line string) string {
	const key = `msg="`
	i := strings.Index(line, key)
	if i < 0 {
		return strings.TrimSpace(line)
	}
	rest := line[i+len(key):]
	var b strings.Builder
	for j := 0; j < len(rest); j++ {
		c := rest[j]
		if c == '\\' && j+1 < len(rest) {
			j++
			b.WriteByte(rest[j])
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
	}
	return strings.TrimSpace(b.String())
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Detector tracks provider initialization for one start attempt. It fires
// once; a new attempt needs a new Detector.
type Detector struct {
	pending map[string]struct{}
	none    bool
	fired   bool
}

// NewDetector returns a Detector waiting for every name in providers, or for
// the default provider when providers is empty.
func NewDetector(providers []string) *Detector {
	d := &Detector{pending: make(map[string]struct{}, len(providers))}
	for _, p := range providers {
		d.pending[p] = struct{}{}
	}
	d.none = len(d.pending) == 0
	return d
}

// Observe feeds an event and reports true exactly once, on the event that
// completes readiness.
func (d *Detector) Observe(ev Event) bool {
	if d.fired {
		return false
	}
	switch ev.Kind {
	case DefaultProviderReady:
		if !d.none {
			return false
		}
	case ProviderReady:
		if d.none {
			return false
		}
		delete(d.pending, ev.Provider)
		if len(d.pending) > 0 {
			return false
		}
	default:
		return false
	}
	d.fired = true
	return true
}

// Fired reports whether readiness was signalled.
func (d *Detector) Fired() bool {
	return d.fired
}

// Pending returns the providers not yet seen.
func (d *Detector) Pending() []string {
	out := make([]string, 0, len(d.pending))
	for p := range d.pending {
		out = append(out, p)
	}
	return out
}

// Prober answers the control API group listing.
type Prober interface {
	Groups(ctx context.Context) error
}

// Confirm polls the control API until it answers a group listing, up to
// polls attempts spaced by interval.
func Confirm(ctx context.Context, p Prober, polls int, interval time.Duration, clk clock.Clock) error {
	policy := retry.Fixed("ready-confirm", polls, interval, clk)
	return policy.Do(ctx, func(int) error {
		return p.Groups(ctx)
	})
}
