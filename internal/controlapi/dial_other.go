//go:build !windows

package controlapi

import (
	"context"
	"fmt"
	"net"

	"github.com/containerd/errdefs"
)

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	return nil, fmt.Errorf("dial %s: named pipes: %w", name, errdefs.ErrNotImplemented)
}
