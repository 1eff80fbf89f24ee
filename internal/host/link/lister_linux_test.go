//go:build linux

package link

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

type fakeOperator struct {
	links []netlink.Link
	addrs map[string][]netlink.Addr
}

func (f *fakeOperator) LinkList() ([]netlink.Link, error) { return f.links, nil }

func (f *fakeOperator) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return f.addrs[link.Attrs().Name], nil
}

func dummy(name string, state netlink.LinkOperState, flags net.Flags) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, OperState: state, Flags: flags}}
}

func addr(t *testing.T, cidr string) netlink.Addr {
	t.Helper()
	ip, ipn, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	ipn.IP = ip
	return netlink.Addr{IPNet: ipn}
}

func TestNetlinkLister(t *testing.T) {
	op := &fakeOperator{
		links: []netlink.Link{
			dummy("lo", netlink.OperUnknown, net.FlagUp|net.FlagLoopback),
			dummy("eth0", netlink.OperUp, net.FlagUp),
			dummy("wlan0", netlink.OperDown, 0),
			dummy("wwan0", netlink.OperUnknown, net.FlagUp),
			dummy("eth1", netlink.OperUp, net.FlagUp),
		},
		addrs: map[string][]netlink.Addr{
			"eth0":  {addr(t, "192.168.1.20/24")},
			"wwan0": {addr(t, "10.64.0.2/30")},
			"eth1":  {addr(t, "fe80::1/64")},
		},
	}
	l := &NetlinkLister{Operator: op}

	ifaces, err := l.Interfaces(context.Background())
	require.NoError(t, err)
	require.Len(t, ifaces, 5)

	assert.Equal(t, Interface{Name: "lo", Up: true, Loopback: true}, ifaces[0])
	assert.Equal(t, Interface{Name: "eth0", Up: true, HasAddr: true}, ifaces[1])
	assert.Equal(t, Interface{Name: "wlan0"}, ifaces[2])
	assert.Equal(t, Interface{Name: "wwan0", Up: true, HasAddr: true}, ifaces[3], "unknown operstate falls back to the admin flag")
	assert.Equal(t, Interface{Name: "eth1", Up: true}, ifaces[4], "link-local only is not usable")
}
