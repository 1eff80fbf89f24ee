// Package telemetry follows the engine's websocket streams (traffic, logs,
// connections) while the engine is ready and hands every message to a sink.
package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/gorilla/websocket"

	"github.com/spin-stack/corevisor/internal/version"
)

// Stream names served by the engine.
const (
	Traffic     = "traffic"
	Logs        = "logs"
	Connections = "connections"
)

// DefaultStreams is what the UI consumes.
var DefaultStreams = []string{Traffic, Logs, Connections}

const reconnectDelay = time.Second

// Sink receives stream messages. It must not block for long.
type Sink func(stream string, data []byte)

// Dialer opens a raw connection to the control endpoint.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
	Secret() string
}

// Attacher manages one reader per stream.
type Attacher struct {
	dialer  Dialer
	sink    Sink
	streams []string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an Attacher for streams. With no streams, DefaultStreams is used.
func New(d Dialer, sink Sink, streams ...string) *Attacher {
	if len(streams) == 0 {
		streams = DefaultStreams
	}
	return &Attacher{dialer: d, sink: sink, streams: streams}
}

// Attach starts following every stream. It is a no-op when already attached.
// Readers outlive ctx's cancellation and stop only on Detach.
func (a *Attacher) Attach(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	for _, stream := range a.streams {
		a.wg.Add(1)
		go a.follow(runCtx, stream)
	}
	log.G(ctx).WithField("streams", a.streams).Debug("telemetry: attached")
}

// Detach stops every reader and waits for them to exit.
func (a *Attacher) Detach() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
}

// Attached reports whether readers are running.
func (a *Attacher) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *Attacher) follow(ctx context.Context, stream string) {
	defer a.wg.Done()
	logger := log.G(ctx).WithField("stream", stream)

	for {
		err := a.read(ctx, stream)
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Debug("telemetry: stream closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Attacher) read(ctx context.Context, stream string) error {
	d := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return a.dialer.Dial(ctx)
		},
		HandshakeTimeout: 5 * time.Second,
	}

	u := url.URL{Scheme: "ws", Host: "engine", Path: "/" + stream}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if secret := a.dialer.Secret(); secret != "" {
		header.Set("Authorization", "Bearer "+secret)
	}

	conn, _, err := d.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage on Detach.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		a.sink(stream, data)
	}
}
