// Package bnutil holds small helpers shared by the sensor and master that
// don't warrant their own package: IPv4 <-> uint32 identity encoding and
// best-effort text sanitization for attacker-controlled strings.
package bnutil

import (
	"encoding/binary"
	"net"
	"net/netip"
	"unicode/utf8"
)

// IPToUint32 encodes an IPv4 address the same way the attacker id column
// does: big-endian uint32 of the four octets.
func IPToUint32(addr netip.Addr) (uint32, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// Uint32ToIP decodes an identity encoded by IPToUint32 back into an address.
func Uint32ToIP(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// SanitizeText ensures s is valid UTF-8, matching the reference behavior of
// trying UTF-8 first, then falling back to treating the bytes as Latin-1
// (where each byte maps 1:1 to the Unicode code point of the same value),
// and finally discarding invalid bytes if neither works.
func SanitizeText(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out := make([]rune, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, rune(s[i]))
	}
	return string(out)
}

// Hostname resolves the PTR record for ip, returning "" on failure, matching
// the reference's best-effort reverse DNS lookup used when recording a new
// attacker.
func Hostname(ip netip.Addr) string {
	names, err := net.LookupAddr(ip.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}
