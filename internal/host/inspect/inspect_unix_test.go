//go:build !windows

package inspect

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_Holders(t *testing.T) {
	r := &fakeRunner{out: []byte("301\n302\n")}
	s := &System{Runner: r}

	pids, err := s.Holders(context.Background(), "/tmp/corevisor/engine.sock")
	require.NoError(t, err)
	assert.Equal(t, []int{301, 302}, pids)
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"lsof", "-t", "--", "/tmp/corevisor/engine.sock"}, r.calls[0])
}

func TestSystem_PortListeners(t *testing.T) {
	r := &fakeRunner{out: []byte("77\n")}
	s := &System{Runner: r}

	pids, err := s.PortListeners(context.Background(), 7890)
	require.NoError(t, err)
	assert.Equal(t, []int{77}, pids)
	assert.Equal(t, []string{"lsof", "-nP", "-t", "-iTCP:7890", "-sTCP:LISTEN"}, r.calls[0])
}

func TestSystem_LsofFailure(t *testing.T) {
	s := &System{Runner: &fakeRunner{err: errors.New("lsof: not found")}}

	_, err := s.Holders(context.Background(), "/tmp/x.sock")
	assert.Error(t, err)
}

func TestSystem_LsofNoMatch(t *testing.T) {
	// A real exit status 1 with no output means "nothing found".
	err := exec.Command("sh", "-c", "exit 1").Run()
	require.Error(t, err)
	s := &System{Runner: &fakeRunner{err: err}}

	pids, err := s.Holders(context.Background(), "/tmp/x.sock")
	require.NoError(t, err)
	assert.Empty(t, pids)
}
