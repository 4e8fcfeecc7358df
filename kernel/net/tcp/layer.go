package tcp

import (
	"gophernel/kernel/kfmt"
	"gophernel/kernel/net/ip"
	"gophernel/kernel/sync"
)

const (
	ephemeralPortLow  = 1024
	ephemeralPortHigh = 65535
)

type fourTuple struct {
	localAddr  ip.Address
	localPort  uint16
	remoteAddr ip.Address
	remotePort uint16
}

// Layer is the process-wide TCP singleton: the connection table, the
// listening-socket table, and ephemeral port allocation. Per spec §5 all
// of this is thread-context-only state, guarded by a yielding mutex like
// ip.Layer's fragment table.
type Layer struct {
	ip        *ip.Layer
	scheduler Scheduler

	lock        sync.Mutex
	connections map[fourTuple]*Socket
	listeners   map[uint16]*Socket

	nextEphemeral uint16
}

// New creates an uninitialized TCP layer bound to an already-initialized
// IP layer and a scheduler satisfying the Scheduler interface.
func New(ipLayer *ip.Layer, scheduler Scheduler) *Layer {
	return &Layer{
		ip:            ipLayer,
		scheduler:     scheduler,
		connections:   make(map[fourTuple]*Socket),
		listeners:     make(map[uint16]*Socket),
		nextEphemeral: ephemeralPortLow,
	}
}

// Init subscribes the layer to IP's TCP protocol handler slot, taking
// its place in the FA -> PTM -> SCHED -> IPR -> TCP boot sequence.
func (l *Layer) Init() error {
	l.ip.RegisterProtocolHandler(ip.ProtocolTCP, l.handlePacket)
	kfmt.Info("TCP: layer initialized\n")
	return nil
}

// NewSocket creates an unbound, Closed socket ready for Bind/Connect.
func (l *Layer) NewSocket() *Socket {
	return newSocket(l)
}

func (l *Layer) portInUse(port uint16) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, ok := l.listeners[port]; ok {
		return true
	}
	for tuple := range l.connections {
		if tuple.localPort == port {
			return true
		}
	}
	return false
}

func (l *Layer) allocateEphemeralPort() (uint16, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	start := l.nextEphemeral
	for {
		port := l.nextEphemeral
		l.nextEphemeral++
		if l.nextEphemeral < ephemeralPortLow || l.nextEphemeral > ephemeralPortHigh {
			l.nextEphemeral = ephemeralPortLow
		}

		inUse := false
		if _, ok := l.listeners[port]; ok {
			inUse = true
		}
		for tuple := range l.connections {
			if tuple.localPort == port {
				inUse = true
				break
			}
		}
		if !inUse {
			return port, nil
		}
		if l.nextEphemeral == start {
			return 0, ErrNoPortAvailable
		}
	}
}

func (l *Layer) registerListener(s *Socket) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.listeners[s.localPort] = s
}

func (l *Layer) registerConnection(s *Socket) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.connections[fourTuple{s.localAddr, s.localPort, s.remoteAddr, s.remotePort}] = s
}

// removeConnection drops a socket from whichever table (or both) it
// occupies. Safe to call while the socket's own mu is held, since it
// only ever takes the layer's lock.
func (l *Layer) removeConnection(s *Socket) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.connections, fourTuple{s.localAddr, s.localPort, s.remoteAddr, s.remotePort})
	if existing, ok := l.listeners[s.localPort]; ok && existing == s {
		delete(l.listeners, s.localPort)
	}
}

// depositAccepted places a freshly Established child socket onto its
// listening parent's accept queue, dropping it if the backlog is full.
func (l *Layer) depositAccepted(child *Socket) {
	l.lock.Lock()
	parent, ok := l.listeners[child.localPort]
	l.lock.Unlock()
	if !ok {
		return
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.backlog > 0 && len(parent.acceptQueue) >= parent.backlog {
		return
	}
	parent.acceptQueue = append(parent.acceptQueue, child)
}

// handlePacket is the IP-layer protocol handler entry point for
// ethertype-IPv4 packets whose protocol is TCP (spec §4.5's segment
// ingress algorithm): look up a connected socket by 4-tuple, else a
// listening socket by local port, else drop.
func (l *Layer) handlePacket(pkt ip.Packet) {
	if len(pkt.Data) < HeaderLength {
		return
	}
	var hdr Header
	copy(hdr[:], pkt.Data[:HeaderLength])
	dataOffset := hdr.DataOffset()
	if dataOffset < HeaderLength || dataOffset > len(pkt.Data) {
		return
	}
	payload := pkt.Data[dataOffset:]

	tuple := fourTuple{
		localAddr:  pkt.Destination,
		localPort:  hdr.DestinationPort(),
		remoteAddr: pkt.Source,
		remotePort: hdr.SourcePort(),
	}

	l.lock.Lock()
	socket, ok := l.connections[tuple]
	if !ok {
		socket, ok = l.listeners[hdr.DestinationPort()]
	}
	l.lock.Unlock()

	if !ok {
		return
	}
	socket.handleSegment(&hdr, pkt.Destination, pkt.Source, hdr.SourcePort(), payload)
}

// ConnectionInfo is a point-in-time snapshot of one socket, returned by
// Snapshot for introspection. It carries no live reference to the
// socket, so callers may hold onto it after the socket closes.
type ConnectionInfo struct {
	LocalAddr   ip.Address
	LocalPort   uint16
	RemoteAddr  ip.Address
	RemotePort  uint16
	State       State
	Listening   bool
	BacklogUsed int
}

// Snapshot returns a structured view of every open connection and
// listening socket, the equivalent of nanokoton's
// TCPLayer::dump_connections without the direct-to-serial dump: callers
// (tests, a future debug console) get data back instead of a log line.
func (l *Layer) Snapshot() []ConnectionInfo {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]ConnectionInfo, 0, len(l.connections)+len(l.listeners))
	for tuple, s := range l.connections {
		out = append(out, ConnectionInfo{
			LocalAddr:  tuple.localAddr,
			LocalPort:  tuple.localPort,
			RemoteAddr: tuple.remoteAddr,
			RemotePort: tuple.remotePort,
			State:      s.State(),
		})
	}
	for port, s := range l.listeners {
		s.mu.Lock()
		backlogUsed := len(s.acceptQueue)
		s.mu.Unlock()
		out = append(out, ConnectionInfo{
			LocalAddr:   s.localAddr,
			LocalPort:   port,
			State:       StateListen,
			Listening:   true,
			BacklogUsed: backlogUsed,
		})
	}
	return out
}

// PollSockets drives retransmission for every open connection. Callers
// invoke this periodically, the same way ip.Layer.Poll sweeps fragments.
func (l *Layer) PollSockets() {
	l.lock.Lock()
	sockets := make([]*Socket, 0, len(l.connections))
	for _, s := range l.connections {
		sockets = append(sockets, s)
	}
	l.lock.Unlock()

	for _, s := range sockets {
		s.poll()
	}
}
