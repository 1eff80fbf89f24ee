package readiness

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/corevisor/internal/clock"
	"github.com/spin-stack/corevisor/internal/retry"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		kind     Kind
		provider string
	}{
		{"plain provider", "Start initial provider airport", ProviderReady, "airport"},
		{"logfmt provider", `time="x" level=info msg="Start initial provider my nodes"`, ProviderReady, "my nodes"},
		{"backquoted provider", "Start initial provider `airport`", ProviderReady, "airport"},
		{"default provider", `level=info msg="Start initial compatible provider default"`, DefaultProviderReady, ""},
		{"default provider case", `level=info msg="Start initial Compatible provider default"`, DefaultProviderReady, ""},
		{"unix listening", `msg="RESTful API unix listening at: /tmp/a.sock"`, EndpointListening, ""},
		{"pipe listening", `msg="RESTful API pipe listening at: \\\\.\\pipe\\x"`, EndpointListening, ""},
		{"unix bind error", `level=error msg="External controller unix listen error: bind: address already in use"`, BindConflict, ""},
		{"pipe bind error", `level=error msg="External controller pipe listen error: Access is denied."`, BindConflict, ""},
		{"tun denied", `level=error msg="Start TUN listening error: configure tun interface: operation not permitted"`, PermissionDenied, ""},
		{"noise", `level=info msg="Mixed(http+socks) proxy listening at: 127.0.0.1:7897"`, None, ""},
		{"empty", "", None, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Translate(tt.line)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.provider, ev.Provider)
			assert.Equal(t, tt.line, ev.Line)
		})
	}
}

func TestMessage_Escapes(t *testing.T) {
	assert.Equal(t, `say "hi"`, message(`level=info msg="say \"hi\"" extra=1`))
	assert.Equal(t, "bare line", message("  bare line \n"))
}

func TestDetector_Providers(t *testing.T) {
	d := NewDetector([]string{"airport", "reject"})

	assert.False(t, d.Observe(Event{Kind: DefaultProviderReady}), "default line does not count when providers are declared")
	assert.False(t, d.Observe(Event{Kind: ProviderReady, Provider: "airport"}))
	assert.False(t, d.Observe(Event{Kind: ProviderReady, Provider: "airport"}), "repeats do not count twice")
	assert.Equal(t, []string{"reject"}, d.Pending())
	assert.True(t, d.Observe(Event{Kind: ProviderReady, Provider: "reject"}))
	assert.True(t, d.Fired())

	assert.False(t, d.Observe(Event{Kind: ProviderReady, Provider: "reject"}), "one-shot")
}

func TestDetector_NoProviders(t *testing.T) {
	d := NewDetector(nil)

	assert.False(t, d.Observe(Event{Kind: EndpointListening}))
	assert.False(t, d.Observe(Event{Kind: ProviderReady, Provider: "stray"}))
	assert.True(t, d.Observe(Event{Kind: DefaultProviderReady}))
	assert.False(t, d.Observe(Event{Kind: DefaultProviderReady}))
}

func replay(t *testing.T, name string) []Event {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", name))
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if ev := Translate(sc.Text()); ev.Kind != None {
			events = append(events, ev)
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// The following tests pin the engine log format against recorded output.

func TestRecordedLog_ReadyProviders(t *testing.T) {
	events := replay(t, "ready_providers.log")
	assert.Equal(t, []Kind{EndpointListening, ProviderReady, ProviderReady, ProviderReady}, kinds(events))

	d := NewDetector([]string{"airport", "direct", "reject"})
	var readyAt = -1
	for i, ev := range events {
		if d.Observe(ev) {
			readyAt = i
		}
	}
	assert.Equal(t, len(events)-1, readyAt, "ready on the last provider line")
}

func TestRecordedLog_ReadyDefault(t *testing.T) {
	events := replay(t, "ready_default.log")
	assert.Equal(t, []Kind{EndpointListening, DefaultProviderReady}, kinds(events))

	d := NewDetector(nil)
	assert.False(t, d.Observe(events[0]))
	assert.True(t, d.Observe(events[1]))
}

func TestRecordedLog_BindError(t *testing.T) {
	events := replay(t, "bind_error.log")
	require.Len(t, events, 1)
	assert.Equal(t, BindConflict, events[0].Kind)
	assert.Contains(t, events[0].Line, "address already in use")
}

func TestRecordedLog_TUNDenied(t *testing.T) {
	events := replay(t, "tun_denied.log")
	assert.Equal(t, []Kind{EndpointListening, PermissionDenied, DefaultProviderReady}, kinds(events))
}

func TestRecordedLog_WindowsPipe(t *testing.T) {
	events := replay(t, "windows_pipe.log")
	assert.Equal(t, []Kind{EndpointListening, BindConflict}, kinds(events))
}

type flakyProber struct {
	failures int
	calls    int
}

func (p *flakyProber) Groups(ctx context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("dial unix: connection refused")
	}
	return nil
}

func TestConfirm(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := &flakyProber{failures: 4}

	require.NoError(t, Confirm(context.Background(), p, 30, 100*time.Millisecond, clk))
	assert.Equal(t, 5, p.calls)
	assert.Len(t, clk.Slept(), 4)
}

func TestConfirm_GivesUpAfterPolls(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := &flakyProber{failures: 100}

	err := Confirm(context.Background(), p, 30, 100*time.Millisecond, clk)
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 30, p.calls)

	var total time.Duration
	for _, d := range clk.Slept() {
		total += d
	}
	assert.Equal(t, 2900*time.Millisecond, total)
}
