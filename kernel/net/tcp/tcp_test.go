package tcp

import (
	"testing"

	"gophernel/kernel/net/ip"
)

type noopScheduler struct{}

func (noopScheduler) Yield()          {}
func (noopScheduler) Sleep(uint64)    {}

func newTestLayer() *Layer {
	return New(ip.New(), noopScheduler{})
}

func buildSegment(t *testing.T, src, dst ip.Address, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) ip.Packet {
	t.Helper()
	var hdr Header
	hdr.fill(srcPort, dstPort, seq, ack, flags, window)
	hdr.setChecksum(checksum(src, dst, hdr, payload))

	data := make([]byte, HeaderLength+len(payload))
	copy(data, hdr[:])
	copy(data[HeaderLength:], payload)

	return ip.Packet{Source: src, Destination: dst, Protocol: ip.ProtocolTCP, Data: data}
}

// TestThreeWayHandshake mirrors spec scenario 5: a listener spawns a
// child in SynReceived on SYN, and the child reaches Established with
// receive_next_expected = client ISN + 1 once the final ACK arrives.
func TestThreeWayHandshake(t *testing.T) {
	l := newTestLayer()
	serverAddr := ip.NewAddress(10, 0, 0, 1)
	clientAddr := ip.NewAddress(10, 0, 0, 2)

	server := l.NewSocket()
	if err := server.Bind(serverAddr, 80); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := server.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	const clientISN = 1000
	syn := buildSegment(t, clientAddr, serverAddr, 4000, 80, clientISN, 0, flagSYN, defaultWindow, nil)
	l.handlePacket(syn)

	tuple := fourTuple{localAddr: serverAddr, localPort: 80, remoteAddr: clientAddr, remotePort: 4000}
	child, ok := l.connections[tuple]
	if !ok {
		t.Fatal("expected a child socket registered by 4-tuple after SYN")
	}
	if child.state != StateSynReceived {
		t.Fatalf("expected SynReceived; got %s", child.state)
	}
	if child.receiveNextExpected != clientISN+1 {
		t.Fatalf("expected receiveNextExpected %d; got %d", clientISN+1, child.receiveNextExpected)
	}

	finalAck := buildSegment(t, clientAddr, serverAddr, 4000, 80, clientISN+1, child.iss+1, flagACK, defaultWindow, nil)
	l.handlePacket(finalAck)

	if child.state != StateEstablished {
		t.Fatalf("expected Established after final ACK; got %s", child.state)
	}

	accepted, err := server.Accept(0)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted != child {
		t.Fatal("expected Accept to return the handshaked child")
	}
}

// TestSnapshotReportsConnectionsAndListeners exercises Snapshot against a
// listener plus one handshaked connection, mirroring the two sections of
// nanokoton's dump_connections (open connections, then listening sockets).
func TestSnapshotReportsConnectionsAndListeners(t *testing.T) {
	l := newTestLayer()
	serverAddr := ip.NewAddress(10, 0, 0, 1)
	clientAddr := ip.NewAddress(10, 0, 0, 2)

	server := l.NewSocket()
	if err := server.Bind(serverAddr, 80); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := server.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	const clientISN = 1000
	syn := buildSegment(t, clientAddr, serverAddr, 4000, 80, clientISN, 0, flagSYN, defaultWindow, nil)
	l.handlePacket(syn)

	snap := l.Snapshot()
	var sawListener, sawConnection bool
	for _, info := range snap {
		switch {
		case info.Listening:
			sawListener = true
			if info.LocalPort != 80 {
				t.Fatalf("expected listener on port 80; got %d", info.LocalPort)
			}
		case info.RemotePort == 4000:
			sawConnection = true
			if info.State != StateSynReceived {
				t.Fatalf("expected SynReceived in snapshot; got %s", info.State)
			}
		}
	}
	if !sawListener {
		t.Fatal("expected Snapshot to report the listening socket")
	}
	if !sawConnection {
		t.Fatal("expected Snapshot to report the pending connection")
	}
}

// TestSynSentToEstablished exercises the connecting side's half of the
// handshake directly against handleSegment.
func TestSynSentToEstablished(t *testing.T) {
	l := newTestLayer()
	clientAddr := ip.NewAddress(10, 0, 0, 2)
	serverAddr := ip.NewAddress(10, 0, 0, 1)

	client := l.NewSocket()
	client.localAddr = clientAddr
	client.localPort = 4000
	client.remoteAddr = serverAddr
	client.remotePort = 80
	client.iss = 500
	client.sendNext = 501
	client.sendUnacknowledged = 500
	client.state = StateSynSent
	l.registerConnection(client)

	const serverISN = 9000
	synAck := buildSegment(t, serverAddr, clientAddr, 80, 4000, serverISN, client.iss+1, flagSYN|flagACK, defaultWindow, nil)
	l.handlePacket(synAck)

	if client.state != StateEstablished {
		t.Fatalf("expected Established; got %s", client.state)
	}
	if client.receiveNextExpected != serverISN+1 {
		t.Fatalf("expected receiveNextExpected %d; got %d", serverISN+1, client.receiveNextExpected)
	}
}

// TestOutOfOrderReassembly mirrors spec scenario 6: segments delivered
// out of order still reassemble into the original byte order and
// receive_next_expected advances past every consumed byte.
func TestOutOfOrderReassembly(t *testing.T) {
	l := newTestLayer()
	local := ip.NewAddress(10, 0, 0, 1)
	remote := ip.NewAddress(10, 0, 0, 2)

	s := l.NewSocket()
	s.localAddr = local
	s.localPort = 80
	s.remoteAddr = remote
	s.remotePort = 4000
	s.state = StateEstablished
	s.receiveNextExpected = 100
	l.registerConnection(s)

	mk := func(n int, b byte) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = b
		}
		return p
	}

	seg100 := buildSegment(t, remote, local, 4000, 80, 100, 0, flagACK, defaultWindow, mk(10, 'a'))
	seg120 := buildSegment(t, remote, local, 4000, 80, 120, 0, flagACK, defaultWindow, mk(10, 'c'))
	seg110 := buildSegment(t, remote, local, 4000, 80, 110, 0, flagACK, defaultWindow, mk(10, 'b'))

	l.handlePacket(seg100)
	l.handlePacket(seg120)
	l.handlePacket(seg110)

	if s.receiveNextExpected != 130 {
		t.Fatalf("expected receiveNextExpected 130; got %d", s.receiveNextExpected)
	}
	if got := s.ring.Len(); got != 30 {
		t.Fatalf("expected 30 buffered bytes; got %d", got)
	}
	buf := make([]byte, 30)
	s.ring.Read(buf)
	for i := 0; i < 10; i++ {
		if buf[i] != 'a' || buf[10+i] != 'b' || buf[20+i] != 'c' {
			t.Fatalf("expected a...a b...b c...c order; got %q", buf)
		}
	}
}

// TestAcknowledgeReapsCoveredEntries checks the third TCP testable
// property: an ACK for byte N drops entries with seq_end <= N and
// leaves the rest untouched.
func TestAcknowledgeReapsCoveredEntries(t *testing.T) {
	s := newSocket(newTestLayer())
	s.sendBuffer = []*sendEntry{
		{seqStart: 0, seqEnd: 10, data: []byte("0123456789")},
		{seqStart: 10, seqEnd: 20, data: []byte("abcdefghij")},
		{seqStart: 20, seqEnd: 30, data: []byte("klmnopqrst")},
	}

	s.acknowledgeLocked(20, defaultWindow)

	if len(s.sendBuffer) != 1 {
		t.Fatalf("expected exactly one entry left; got %d", len(s.sendBuffer))
	}
	if s.sendBuffer[0].seqStart != 20 {
		t.Fatalf("expected the surviving entry to start at 20; got %d", s.sendBuffer[0].seqStart)
	}
	if s.sendUnacknowledged != 20 {
		t.Fatalf("expected sendUnacknowledged 20; got %d", s.sendUnacknowledged)
	}
}

func TestOutOfWindowSegmentDropped(t *testing.T) {
	l := newTestLayer()
	local := ip.NewAddress(10, 0, 0, 1)
	remote := ip.NewAddress(10, 0, 0, 2)

	s := l.NewSocket()
	s.localAddr = local
	s.localPort = 80
	s.remoteAddr = remote
	s.remotePort = 4000
	s.state = StateEstablished
	s.receiveNextExpected = 100
	l.registerConnection(s)

	// Far beyond the receive window: must be dropped without state change.
	seg := buildSegment(t, remote, local, 4000, 80, 100+uint32(defaultRingBuffer)+1, 0, flagACK, defaultWindow, []byte("x"))
	l.handlePacket(seg)

	if s.receiveNextExpected != 100 {
		t.Fatalf("expected receiveNextExpected unchanged at 100; got %d", s.receiveNextExpected)
	}
	if s.ring.Len() != 0 {
		t.Fatal("expected nothing buffered from an out-of-window segment")
	}
}

func TestRstClosesConnection(t *testing.T) {
	l := newTestLayer()
	local := ip.NewAddress(10, 0, 0, 1)
	remote := ip.NewAddress(10, 0, 0, 2)

	s := l.NewSocket()
	s.localAddr = local
	s.localPort = 80
	s.remoteAddr = remote
	s.remotePort = 4000
	s.state = StateEstablished
	l.registerConnection(s)

	rst := buildSegment(t, remote, local, 4000, 80, 0, 0, flagRST, defaultWindow, nil)
	l.handlePacket(rst)

	if s.state != StateClosed {
		t.Fatalf("expected Closed after RST; got %s", s.state)
	}
	tuple := fourTuple{localAddr: local, localPort: 80, remoteAddr: remote, remotePort: 4000}
	if _, ok := l.connections[tuple]; ok {
		t.Fatal("expected the connection to be removed from the table after RST")
	}
}

func TestEphemeralPortAllocationAvoidsCollisions(t *testing.T) {
	l := newTestLayer()
	seen := make(map[uint16]bool)
	for i := 0; i < 5; i++ {
		port, err := l.allocateEphemeralPort()
		if err != nil {
			t.Fatalf("allocateEphemeralPort: %v", err)
		}
		if port < ephemeralPortLow || port > ephemeralPortHigh {
			t.Fatalf("port %d out of ephemeral range", port)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
		s := l.NewSocket()
		s.localPort = port
		l.registerConnection(s)
	}
}
