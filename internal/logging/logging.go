// Package logging configures the process-wide containerd logger and the
// durable error log. Every warning and above is appended to the durable file
// whether or not a UI is attached to show it.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"

	"github.com/spin-stack/corevisor/internal/config"
)

// Setup applies level and format from cfg and installs the durable file hook
// at path.
func Setup(cfg config.LogConfig, path string) error {
	if err := log.SetLevel(cfg.Level); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}

	format := log.TextFormat
	if cfg.Format == "json" {
		format = log.JSONFormat
	}
	if err := log.SetFormat(format); err != nil {
		return fmt.Errorf("failed to set log format: %w", err)
	}

	hook, err := NewFileHook(path)
	if err != nil {
		return err
	}
	log.L.Logger.AddHook(hook)
	return nil
}

// FileHook appends timestamped warning and error entries to a file.
type FileHook struct {
	mu   sync.Mutex
	path string
}

// NewFileHook prepares the directory of path and returns a hook writing to it.
func NewFileHook(path string) (*FileHook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &FileHook{path: path}, nil
}

// Levels implements logrus.Hook.
func (h *FileHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
	}
}

// Fire implements logrus.Hook.
func (h *FileHook) Fire(entry *logrus.Entry) error {
	line := formatLine(entry)

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(line)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

func formatLine(entry *logrus.Entry) string {
	var b strings.Builder
	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(entry.Level.String()))
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, fmt.Sprint(entry.Data[k]))
	}
	b.WriteByte('\n')
	return b.String()
}
