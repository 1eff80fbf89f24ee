package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveUnix starts handler on a unix socket and returns its path.
func serveUnix(t *testing.T, handler http.Handler) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	// Short directory: sun_path is limited to 104 bytes on darwin.
	dir, err := os.MkdirTemp("", "cv")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "engine.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return sock
}

func TestClient_Version(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"meta":true,"version":"v1.19.2"}`))
	})
	c := New(serveUnix(t, mux), "s3cret")

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.19.2", v)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestClient_NoSecretNoHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /group", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"proxies":[{"name":"GLOBAL"}]}`))
	})
	c := New(serveUnix(t, mux), "")

	assert.NoError(t, c.Groups(context.Background()))
}

func TestClient_PatchConfig(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /configs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	c := New(serveUnix(t, mux), "")

	err := c.PatchConfig(context.Background(), map[string]any{"mixed-port": 7891, "mode": "global"})
	require.NoError(t, err)
	assert.Equal(t, float64(7891), got["mixed-port"])
	assert.Equal(t, "global", got["mode"])
}

func TestClient_StatusError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /configs", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Body invalid"}`, http.StatusBadRequest)
	})
	c := New(serveUnix(t, mux), "")

	err := c.PatchConfig(context.Background(), map[string]any{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Body, "Body invalid")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestClient_NotListening(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent.sock"), "")
	assert.Error(t, c.Ping(context.Background()))
}

func TestClient_NamedPipeOffWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pipes are supported on windows")
	}
	c := New(`\\.\pipe\corevisor-engine`, "")
	_, err := c.Dial(context.Background())
	assert.True(t, errdefs.IsNotImplemented(err))
}
