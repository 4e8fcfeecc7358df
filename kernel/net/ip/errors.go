package ip

import "gophernel/kernel"

var (
	// ErrNoRoute is returned by SendPacket when the routing table has no
	// entry (default or otherwise) covering the destination.
	ErrNoRoute = &kernel.Error{Module: "ip", Message: "no route to host"}

	// ErrUnknownInterface is returned by the interface mutation API when
	// given an index outside the configured interface set.
	ErrUnknownInterface = &kernel.Error{Module: "ip", Message: "unknown interface"}

	// ErrInterfaceDown guards SendPacket's egress path.
	ErrInterfaceDown = &kernel.Error{Module: "ip", Message: "interface is down"}
)
