package dns

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/corevisor/internal/clock"
	"github.com/spin-stack/corevisor/internal/store"
)

// fakeNetworksetup emulates networksetup and route for one service.
type fakeNetworksetup struct {
	mu      sync.Mutex
	servers map[string]string
	sets    []string
	failSet error
}

func (f *fakeNetworksetup) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case name == "route":
		return []byte("   route to: default\ndestination: default\n  interface: en0\n"), nil
	case name == "networksetup" && args[0] == "-listallhardwareports":
		return []byte("\nHardware Port: Ethernet\nDevice: en1\nEthernet Address: aa\n\nHardware Port: Wi-Fi\nDevice: en0\n"), nil
	case name == "networksetup" && args[0] == "-getdnsservers":
		if s := f.servers[args[1]]; s != "" {
			return []byte(strings.ReplaceAll(s, " ", "\n") + "\n"), nil
		}
		return []byte("There aren't any DNS Servers set on " + args[1] + ".\n"), nil
	case name == "networksetup" && args[0] == "-setdnsservers":
		if f.failSet != nil {
			return nil, f.failSet
		}
		value := strings.Join(args[2:], " ")
		f.sets = append(f.sets, args[1]+"="+value)
		if value == Empty {
			delete(f.servers, args[1])
		} else {
			f.servers[args[1]] = value
		}
		return nil, nil
	}
	return nil, errors.New("unexpected command " + name)
}

func (f *fakeNetworksetup) setCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sets...)
}

type harness struct {
	m      *Manager
	ns     *fakeNetworksetup
	clk    *clock.Fake
	st     store.Store[State]
	online bool
}

func newHarness(t *testing.T, servers map[string]string) *harness {
	t.Helper()
	h := &harness{
		ns:     &fakeNetworksetup{servers: servers},
		clk:    clock.NewFake(time.Unix(0, 0)),
		st:     store.NewMemory[State](),
		online: true,
	}
	h.m = NewManager(h.st, "223.6.6.6",
		WithRunner(h.ns),
		WithClock(h.clk),
		WithRetry(5*time.Second),
		WithOnline(func(context.Context) bool { return h.online }),
	)
	return h
}

func TestEngageRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"Wi-Fi": "192.168.1.1 1.1.1.1"})

	require.NoError(t, h.m.Engage(ctx))
	assert.True(t, h.m.Overridden(ctx))
	assert.Equal(t, "223.6.6.6", h.ns.servers["Wi-Fi"])

	require.NoError(t, h.m.Restore(ctx))
	assert.False(t, h.m.Overridden(ctx))
	assert.Equal(t, "192.168.1.1 1.1.1.1", h.ns.servers["Wi-Fi"])
	assert.Equal(t, []string{"Wi-Fi=223.6.6.6", "Wi-Fi=192.168.1.1 1.1.1.1"}, h.ns.setCalls())
}

func TestEngage_EmptyOriginal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{})

	require.NoError(t, h.m.Engage(ctx))
	st, err := h.st.Get(ctx, stateKey)
	require.NoError(t, err)
	assert.Equal(t, Empty, st.Original)

	require.NoError(t, h.m.Restore(ctx))
	assert.Equal(t, []string{"Wi-Fi=223.6.6.6", "Wi-Fi=Empty"}, h.ns.setCalls())
	_, ok := h.ns.servers["Wi-Fi"]
	assert.False(t, ok)
}

func TestEngage_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"Wi-Fi": "10.0.0.1"})

	require.NoError(t, h.m.Engage(ctx))
	require.NoError(t, h.m.Engage(ctx))

	assert.Len(t, h.ns.setCalls(), 1)
	st, err := h.st.Get(ctx, stateKey)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", st.Original, "the second call must not record the override as original")
}

func TestRestore_NothingRecorded(t *testing.T) {
	h := newHarness(t, map[string]string{"Wi-Fi": "10.0.0.1"})

	require.NoError(t, h.m.Restore(context.Background()))
	assert.Empty(t, h.ns.setCalls())
}

func TestRestore_SurvivesRelaunch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"Wi-Fi": "10.0.0.1"})
	require.NoError(t, h.m.Engage(ctx))

	// A new manager over the same store stands in for a relaunch.
	relaunched := NewManager(h.st, "223.6.6.6", WithRunner(h.ns), WithClock(h.clk))
	require.NoError(t, relaunched.Restore(ctx))
	assert.Equal(t, "10.0.0.1", h.ns.servers["Wi-Fi"])
}

func TestEngage_OfflineReschedules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"Wi-Fi": "10.0.0.1"})
	h.online = false

	require.NoError(t, h.m.Engage(ctx))
	assert.Empty(t, h.ns.setCalls())
	assert.True(t, h.m.Pending())

	// Still offline: fires and reschedules again.
	assert.Equal(t, 1, h.clk.Fire())
	assert.Empty(t, h.ns.setCalls())
	assert.True(t, h.m.Pending())

	h.online = true
	assert.Equal(t, 1, h.clk.Fire())
	assert.Equal(t, []string{"Wi-Fi=223.6.6.6"}, h.ns.setCalls())
	assert.False(t, h.m.Pending())
}

func TestRestore_CancelsPendingEngage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"Wi-Fi": "10.0.0.1"})
	h.online = false

	require.NoError(t, h.m.Engage(ctx))
	require.NoError(t, h.m.Restore(ctx))
	assert.False(t, h.m.Pending())

	h.online = true
	assert.Zero(t, h.clk.Fire())
	assert.Empty(t, h.ns.setCalls())
}

func TestRestore_OfflineReschedules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"Wi-Fi": "10.0.0.1"})
	require.NoError(t, h.m.Engage(ctx))

	h.online = false
	require.NoError(t, h.m.Restore(ctx))
	assert.True(t, h.m.Overridden(ctx))

	h.online = true
	h.clk.Fire()
	assert.False(t, h.m.Overridden(ctx))
	assert.Equal(t, "10.0.0.1", h.ns.servers["Wi-Fi"])
}

func TestEngage_SetFailureForgetsOriginal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"Wi-Fi": "10.0.0.1"})
	h.ns.failSet = errors.New("exit status 4")

	require.Error(t, h.m.Engage(ctx))
	assert.False(t, h.m.Overridden(ctx))
}

func TestParseServers(t *testing.T) {
	assert.Equal(t, Empty, ParseServers([]byte("There aren't any DNS Servers set on Wi-Fi.\n")))
	assert.Equal(t, Empty, ParseServers(nil))
	assert.Equal(t, "8.8.8.8 1.1.1.1", ParseServers([]byte("8.8.8.8\n1.1.1.1\n")))
}

func TestServiceForDevice(t *testing.T) {
	out := []byte("Hardware Port: Thunderbolt Bridge\nDevice: bridge0\n\nHardware Port: Wi-Fi\nDevice: en0\n")
	assert.Equal(t, "Wi-Fi", ServiceForDevice(out, "en0"))
	assert.Equal(t, "", ServiceForDevice(out, "en9"))
	assert.Equal(t, "en0", DefaultRouteDevice([]byte("  interface: en0\n")))
}

func TestWithService(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"USB LAN": "10.1.1.1"})
	h.m.service = "USB LAN"

	require.NoError(t, h.m.Engage(ctx))
	assert.Equal(t, []string{"USB LAN=223.6.6.6"}, h.ns.setCalls())
}
