package origins

import (
	"net/netip"
	"strings"
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var internalSuffixes = []string{
	".localhost",
	".local",
	".internal",
}

// IsPrivate reports whether host names a loopback, private, link-local or
// otherwise internal target. Only literal addresses and well-known internal
// names are recognized; no DNS lookup is performed.
func IsPrivate(host string) bool {
	normalized := Normalize(host)
	if normalized == "" {
		return false
	}
	if blockedHostnames[normalized] {
		return true
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}

	addr, err := netip.ParseAddr(normalized)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		isCarrierGradeNAT(addr)
}

// isCarrierGradeNAT matches 100.64.0.0/10.
func isCarrierGradeNAT(addr netip.Addr) bool {
	return netip.MustParsePrefix("100.64.0.0/10").Contains(addr)
}
