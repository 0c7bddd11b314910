//go:build windows

package sensorclient

import "net"

// setDetailedKeepalive is a no-op on windows; only the portable
// SetKeepAlive/SetKeepAlivePeriod knobs set in dial() apply there.
func setDetailedKeepalive(tc *net.TCPConn) {}
