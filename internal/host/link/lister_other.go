//go:build !linux

package link

import (
	"context"
	"fmt"
	"net"
)

// NetLister lists interfaces through the net package.
type NetLister struct{}

// NewLister returns the platform Lister.
func NewLister() Lister {
	return NetLister{}
}

// Interfaces implements Lister.
func (NetLister) Interfaces(ctx context.Context) ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	out := make([]Interface, 0, len(ifaces))
	for _, ni := range ifaces {
		iface := Interface{
			Name:     ni.Name,
			Up:       ni.Flags&net.FlagUp != 0 && ni.Flags&net.FlagRunning != 0,
			Loopback: ni.Flags&net.FlagLoopback != 0,
		}
		if iface.Up && !iface.Loopback {
			addrs, err := ni.Addrs()
			if err == nil {
				for _, a := range addrs {
					if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
						iface.HasAddr = true
						break
					}
				}
			}
		}
		out = append(out, iface)
	}
	return out, nil
}
