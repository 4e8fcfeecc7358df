package tcp

import "gophernel/kernel"

var (
	ErrConnectionRefused = &kernel.Error{Module: "tcp", Message: "connection refused"}
	ErrConnectionReset   = &kernel.Error{Module: "tcp", Message: "connection reset by peer"}
	ErrConnectionClosed  = &kernel.Error{Module: "tcp", Message: "connection closed"}
	ErrConnectionTimeout = &kernel.Error{Module: "tcp", Message: "connection timed out"}
	ErrNotListening      = &kernel.Error{Module: "tcp", Message: "socket is not listening"}
	ErrAddressInUse      = &kernel.Error{Module: "tcp", Message: "address already in use"}
	ErrNoPortAvailable   = &kernel.Error{Module: "tcp", Message: "no ephemeral port available"}
	ErrInvalidState      = &kernel.Error{Module: "tcp", Message: "operation not valid in current state"}
	ErrWouldBlock        = &kernel.Error{Module: "tcp", Message: "operation would block"}
)
