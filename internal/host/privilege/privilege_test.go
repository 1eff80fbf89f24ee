package privilege

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockElevator struct {
	calls atomic.Int32
	err   error
	// onElevate simulates the chmod taking effect.
	onElevate func()
}

func (m *mockElevator) Elevate(ctx context.Context, binary string) error {
	m.calls.Add(1)
	if m.err != nil {
		return m.err
	}
	if m.onElevate != nil {
		m.onElevate()
	}
	return nil
}

type bitState struct {
	set bool
}

func (b *bitState) check(string) (bool, error) { return b.set, nil }

const installedBinary = "/Applications/Corevisor.app/Contents/MacOS/verge-mihomo"

func newGranter(bin string, e Elevator, bits *bitState) *Granter {
	return NewGranter(bin, e,
		WithBitCheck(bits.check),
		WithRoots([]string{"/Applications"}, []string{"/Users/dev"}),
		WithDevRestriction(true),
	)
}

func TestCheck(t *testing.T) {
	bits := &bitState{}
	g := newGranter(installedBinary, &mockElevator{}, bits)
	assert.Equal(t, NotChecked, g.State())

	st, err := g.Check()
	require.NoError(t, err)
	assert.Equal(t, NeedsGrant, st)

	bits.set = true
	st, err = g.Check()
	require.NoError(t, err)
	assert.Equal(t, Granted, st)
}

func TestGrant_AlreadyGranted(t *testing.T) {
	e := &mockElevator{}
	g := newGranter(installedBinary, e, &bitState{set: true})

	require.NoError(t, g.Grant(context.Background()))
	assert.Zero(t, e.calls.Load())
	assert.False(t, g.Attempted())
}

func TestGrant_Success(t *testing.T) {
	bits := &bitState{}
	e := &mockElevator{onElevate: func() { bits.set = true }}
	g := newGranter(installedBinary, e, bits)

	require.NoError(t, g.Grant(context.Background()))
	assert.Equal(t, Granted, g.State())
	assert.True(t, g.Attempted())
	assert.EqualValues(t, 1, e.calls.Load())
}

func TestGrant_SingleAttemptPerSession(t *testing.T) {
	e := &mockElevator{err: errors.New("User canceled.")}
	g := newGranter(installedBinary, e, &bitState{})

	err := g.Grant(context.Background())
	require.ErrorIs(t, err, ErrGrantFailed)
	assert.Equal(t, Failed, g.State())

	for range 5 {
		err = g.Grant(context.Background())
		assert.ErrorIs(t, err, ErrAlreadyAttempted)
	}
	assert.EqualValues(t, 1, e.calls.Load(), "the privileged command runs at most once")
}

func TestGrant_BitStillMissing(t *testing.T) {
	e := &mockElevator{}
	g := newGranter(installedBinary, e, &bitState{})

	err := g.Grant(context.Background())
	require.ErrorIs(t, err, ErrGrantFailed)
	assert.Equal(t, Failed, g.State())
}

func TestGrant_DevRestricted(t *testing.T) {
	e := &mockElevator{}
	g := newGranter("/Users/dev/src/corevisor/bin/verge-mihomo", e, &bitState{})

	err := g.Grant(context.Background())
	require.ErrorIs(t, err, ErrDevRestricted)
	assert.Equal(t, DevRestricted, g.State())
	assert.Zero(t, e.calls.Load())
	assert.False(t, g.Attempted(), "no prompt was shown")

	assert.ErrorIs(t, g.Grant(context.Background()), ErrDevRestricted)
}

func TestGrant_DevRestrictionDisabled(t *testing.T) {
	bits := &bitState{}
	e := &mockElevator{onElevate: func() { bits.set = true }}
	g := NewGranter("/Users/dev/bin/mihomo", e,
		WithBitCheck(bits.check),
		WithRoots(nil, []string{"/Users/dev"}),
		WithDevRestriction(false),
	)

	require.NoError(t, g.Grant(context.Background()))
}

func TestGrant_NoElevator(t *testing.T) {
	g := newGranter(installedBinary, nil, &bitState{})

	err := g.Grant(context.Background())
	assert.True(t, errdefs.IsNotImplemented(err))
	assert.Equal(t, Failed, g.State())
}

func TestWithin(t *testing.T) {
	tests := []struct {
		path, root string
		want       bool
	}{
		{"/Users/dev/bin/mihomo", "/Users/dev", true},
		{"/Users/devops/bin/mihomo", "/Users/dev", false},
		{"/Applications/A.app/mihomo", "/Applications", true},
		{"/usr/bin/mihomo", "/Applications", false},
		{"/usr/bin/mihomo", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, within(filepath.FromSlash(tt.path), filepath.FromSlash(tt.root)), tt.path)
	}
}

func TestDarwinCommand(t *testing.T) {
	name, args := DarwinCommand("/Applications/It's.app/mihomo")

	assert.Equal(t, "osascript", name)
	require.Len(t, args, 2)
	assert.Equal(t, "-e", args[0])
	assert.True(t, strings.HasPrefix(args[1], `do shell script "chown root:admin `))
	assert.True(t, strings.HasSuffix(args[1], `" with administrator privileges`))
	assert.Contains(t, args[1], `'/Applications/It'\\''s.app/mihomo'`)
	assert.Contains(t, args[1], "chmod +sx")
}

func TestLinuxCommand(t *testing.T) {
	name, args := LinuxCommand("/opt/corevisor/mihomo")

	assert.Equal(t, "pkexec", name)
	assert.Equal(t, []string{"sh", "-c", "chown root:root '/opt/corevisor/mihomo' && chmod +sx '/opt/corevisor/mihomo'"}, args)
}

type recordingRunner struct {
	name string
	args []string
	out  []byte
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.name, r.args = name, args
	return r.out, r.err
}

func TestCommandElevator(t *testing.T) {
	r := &recordingRunner{}
	e := &CommandElevator{Runner: r, Command: LinuxCommand}

	require.NoError(t, e.Elevate(context.Background(), "/opt/mihomo"))
	assert.Equal(t, "pkexec", r.name)

	r.err = errors.New("exit status 126")
	r.out = []byte("Not authorized\n")
	err := e.Elevate(context.Background(), "/opt/mihomo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not authorized")
}
