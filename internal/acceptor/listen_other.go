//go:build !linux

package acceptor

import (
	"context"
	"net"
	"net/netip"
)

// listenTCP falls back to the runtime's listener; the backlog is the
// system default there.
func listenTCP(ap netip.AddrPort, _ int) (net.Listener, error) {
	network := "tcp4"
	if ap.Addr().Unmap().Is6() {
		network = "tcp6"
	}
	var lc net.ListenConfig
	return lc.Listen(context.Background(), network, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String())
}
