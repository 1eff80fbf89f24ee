//go:build linux

package link

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// LinkOperator is the subset of netlink the lister needs.
type LinkOperator interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// DefaultLinkOperator implements LinkOperator using netlink
type DefaultLinkOperator struct{}

func (DefaultLinkOperator) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

func (DefaultLinkOperator) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// NetlinkLister lists interfaces through rtnetlink.
type NetlinkLister struct {
	Operator LinkOperator
}

// NewLister returns the platform Lister.
func NewLister() Lister {
	return &NetlinkLister{Operator: DefaultLinkOperator{}}
}

// Interfaces implements Lister.
func (l *NetlinkLister) Interfaces(ctx context.Context) ([]Interface, error) {
	links, err := l.Operator.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	out := make([]Interface, 0, len(links))
	for _, lk := range links {
		attrs := lk.Attrs()
		iface := Interface{
			Name:     attrs.Name,
			Loopback: attrs.Flags&net.FlagLoopback != 0,
			// Some drivers never report an operstate; fall back to the admin flag.
			Up: attrs.OperState == netlink.OperUp ||
				(attrs.OperState == netlink.OperUnknown && attrs.Flags&net.FlagUp != 0),
		}
		if iface.Up && !iface.Loopback {
			addrs, err := l.Operator.AddrList(lk, netlink.FAMILY_ALL)
			if err != nil {
				return nil, fmt.Errorf("list addresses of %s: %w", attrs.Name, err)
			}
			for _, a := range addrs {
				if a.IPNet != nil && a.IP.IsGlobalUnicast() {
					iface.HasAddr = true
					break
				}
			}
		}
		out = append(out, iface)
	}
	return out, nil
}
