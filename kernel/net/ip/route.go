package ip

import "math/bits"

// Route is one routing-table entry: destinations in Network/Netmask are
// reachable via Gateway (Any() if on-link) through interface
// InterfaceIndex, at cost Metric.
type Route struct {
	Network        Address
	Netmask        Address
	Gateway        Address
	InterfaceIndex uint32
	Metric         uint32
}

// findRoute performs a longest-prefix-match lookup over the routing
// table: among every entry where (dest & netmask) == (network & netmask),
// the one with the most one-bits in its netmask wins; ties are broken by
// the smaller metric. This replaces nanokoton's find_route, which
// returns the first syntactic match regardless of prefix length or
// metric — spec §4.4 explicitly calls for longest-prefix-match with a
// metric tie-break, so this implements that directly rather than
// reproducing the original's shortcut.
func findRoute(table []Route, dest Address) (Route, bool) {
	var (
		best    Route
		found   bool
		bestLen int
	)

	for _, r := range table {
		if uint32(dest)&uint32(r.Netmask) != uint32(r.Network)&uint32(r.Netmask) {
			continue
		}

		prefixLen := bits.OnesCount32(uint32(r.Netmask))
		switch {
		case !found:
			best, found, bestLen = r, true, prefixLen
		case prefixLen > bestLen:
			best, bestLen = r, prefixLen
		case prefixLen == bestLen && r.Metric < best.Metric:
			best = r
		}
	}

	return best, found
}
