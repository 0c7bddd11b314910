//go:build !windows

package sensorclient

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDetailedKeepalive tunes TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT the same
// way the reference client does, since Go's portable net.TCPConn API only
// exposes a single keepalive period, not independent idle/interval/count
// knobs.
func setDetailedKeepalive(tc *net.TCPConn) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(keepaliveIdle.Seconds()))
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(keepaliveInterval.Seconds()))
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, DefaultConnRetries)
	})
}
