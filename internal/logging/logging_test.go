package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*logrus.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "corevisor.log")
	hook, err := NewFileHook(path)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(hook)
	return logger, path
}

func TestFileHook_WritesWarningsAndErrors(t *testing.T) {
	logger, path := newTestLogger(t)

	logger.Info("engine: started")
	logger.WithField("pid", 42).Warn("janitor: endpoint still present")
	logger.WithError(errors.New("bind failed")).Error("engine: start failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	assert.Contains(t, lines[0], "WARNING janitor: endpoint still present")
	assert.Contains(t, lines[0], `pid="42"`)
	assert.Contains(t, lines[1], "ERROR engine: start failed")
	assert.Contains(t, lines[1], `error="bind failed"`)
	assert.NotContains(t, string(data), "engine: started")
}

func TestFileHook_Appends(t *testing.T) {
	logger, path := newTestLogger(t)

	logger.Error("first")
	logger.Error("second")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}
