package tcp

import (
	"sort"

	"gophernel/kernel/cpu"
	"gophernel/kernel/kfmt"
	"gophernel/kernel/net/ip"
	"gophernel/kernel/sync"
)

const (
	defaultWindow     = 65535
	defaultMSS        = 1460
	rtoTicks          = 1_000_000
	maxRetransmits    = 10
	defaultRingBuffer = 65536
)

// Scheduler is the subset of *sched.Scheduler the TCP engine needs to
// block a caller in Connect/Accept/Receive without busy-waiting.
type Scheduler interface {
	Yield()
	Sleep(ms uint64)
}

type sendEntry struct {
	seqStart, seqEnd uint32
	data             []byte
	timestamp        uint64
}

type receiveEntry struct {
	seqStart, seqEnd uint32
	data             []byte
}

// Socket is one TCP connection or listening endpoint. All state
// transitions and buffer mutations run under mu, which per spec §5 is a
// yielding mutex: ingress and user calls both take it, and the blocking
// calls (Connect, Accept, Receive) release it before every yield.
type Socket struct {
	mu sync.Mutex

	layer *Layer

	localAddr  ip.Address
	localPort  uint16
	remoteAddr ip.Address
	remotePort uint16

	state State

	iss, irs            uint32
	sendNext             uint32
	sendUnacknowledged   uint32
	sendWindow           uint16
	receiveNextExpected  uint32
	mss                  uint16

	sendBuffer    []*sendEntry
	receiveBuffer []*receiveEntry
	ring          *ringBuffer

	retransmitCount int

	backlog     int
	acceptQueue []*Socket
}

func newSocket(layer *Layer) *Socket {
	return &Socket{
		layer:      layer,
		state:      StateClosed,
		sendWindow: defaultWindow,
		mss:        defaultMSS,
		ring:       newRingBuffer(defaultRingBuffer),
	}
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bind assigns a local address and port. Port 0 requests an ephemeral
// port from the layer's [1024, 65535] pool.
func (s *Socket) Bind(addr ip.Address, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		return ErrInvalidState
	}
	if port == 0 {
		p, err := s.layer.allocateEphemeralPort()
		if err != nil {
			return err
		}
		port = p
	} else if s.layer.portInUse(port) {
		return ErrAddressInUse
	}
	s.localAddr = addr
	s.localPort = port
	return nil
}

// Listen moves a bound socket into Listen, ready to spawn child sockets
// for incoming SYNs.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed || s.localPort == 0 {
		return ErrInvalidState
	}
	s.state = StateListen
	s.backlog = backlog
	s.layer.registerListener(s)
	return nil
}

// Connect emits a SYN and blocks (yielding via the scheduler) until the
// handshake completes, the peer refuses, or timeoutMs elapses.
func (s *Socket) Connect(addr ip.Address, port uint16, timeoutMs uint64) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if s.localPort == 0 {
		p, err := s.layer.allocateEphemeralPort()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.localPort = p
	}
	s.remoteAddr = addr
	s.remotePort = port
	s.iss = initialSequenceNumber()
	s.sendNext = s.iss + 1
	s.sendUnacknowledged = s.iss
	s.state = StateSynSent
	s.layer.registerConnection(s)
	s.sendControlLocked(flagSYN, s.iss)
	s.mu.Unlock()

	deadline := cpu.ReadTSC() + msToTicks(timeoutMs)
	for {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == StateEstablished {
			return nil
		}
		if state == StateClosed {
			return ErrConnectionRefused
		}
		if cpu.ReadTSC() >= deadline {
			s.Abort()
			return ErrConnectionTimeout
		}
		s.layer.scheduler.Yield()
	}
}

// Accept blocks until a child connection completes its handshake or
// timeoutMs elapses, per spec §9's decision to surface the accept queue
// as a blocking dequeue driven by the ingress handler depositing
// completed children into acceptQueue.
func (s *Socket) Accept(timeoutMs uint64) (*Socket, error) {
	deadline := cpu.ReadTSC() + msToTicks(timeoutMs)
	for {
		s.mu.Lock()
		if s.state != StateListen {
			s.mu.Unlock()
			return nil, ErrNotListening
		}
		if len(s.acceptQueue) > 0 {
			child := s.acceptQueue[0]
			s.acceptQueue = s.acceptQueue[1:]
			s.mu.Unlock()
			return child, nil
		}
		s.mu.Unlock()
		if cpu.ReadTSC() >= deadline {
			return nil, ErrConnectionTimeout
		}
		s.layer.scheduler.Yield()
	}
}

// Send queues bytes for transmission and returns the count accepted.
// Segments are cut and emitted immediately while the send window allows;
// bytes beyond the window are not queued and are left out of the returned
// count. Emitted segments stay in sendBuffer until acknowledged, and poll
// retransmits them.
func (s *Socket) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateCloseWait {
		return 0, ErrInvalidState
	}

	sent := 0
	for sent < len(data) {
		inFlight := s.sendNext - s.sendUnacknowledged
		if uint32(inFlight) >= uint32(s.sendWindow) {
			break
		}
		room := uint32(s.sendWindow) - inFlight
		n := uint32(len(data) - sent)
		if n > room {
			n = room
		}
		if n > uint32(s.mss) {
			n = uint32(s.mss)
		}
		if n == 0 {
			break
		}
		chunk := append([]byte(nil), data[sent:sent+int(n)]...)
		seqStart := s.sendNext
		seqEnd := seqStart + n
		s.sendBuffer = append(s.sendBuffer, &sendEntry{seqStart: seqStart, seqEnd: seqEnd, data: chunk, timestamp: cpu.ReadTSC()})
		s.sendNext = seqEnd
		s.sendSegmentLocked(flagACK|flagPSH, seqStart, chunk)
		sent += int(n)
	}
	return sent, nil
}

// Receive copies up to len(buf) bytes out of the in-order ring buffer,
// yielding between polls until data arrives or timeoutMs elapses.
func (s *Socket) Receive(buf []byte, timeoutMs uint64) (int, error) {
	deadline := cpu.ReadTSC() + msToTicks(timeoutMs)
	for {
		s.mu.Lock()
		if s.ring.Len() > 0 {
			n, _ := s.ring.Read(buf)
			s.mu.Unlock()
			return n, nil
		}
		state := s.state
		s.mu.Unlock()
		if state == StateClosed || state == StateCloseWait {
			return 0, ErrConnectionClosed
		}
		if cpu.ReadTSC() >= deadline {
			return 0, ErrConnectionTimeout
		}
		s.layer.scheduler.Yield()
	}
}

// Close initiates the orderly FIN sequence (spec §4.5's edge notes: from
// Established this is CloseWait -> [user closes] -> LastAck; here Close
// is called directly against Established/CloseWait so it sends the FIN
// and advances straight to the LastAck/FinWait1 leg).
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEstablished:
		s.sendControlLocked(flagFIN|flagACK, s.sendNext)
		s.sendNext++
		s.state = StateFinWait1
	case StateCloseWait:
		s.sendControlLocked(flagFIN|flagACK, s.sendNext)
		s.sendNext++
		s.state = StateLastAck
	case StateListen, StateSynSent:
		s.state = StateClosed
		s.layer.removeConnection(s)
	default:
		return ErrInvalidState
	}
	return nil
}

// Abort sends RST (if a peer exists) and drops all buffers immediately.
func (s *Socket) Abort() {
	s.mu.Lock()
	if s.state != StateClosed && s.state != StateListen {
		s.sendControlLocked(flagRST, s.sendNext)
	}
	s.state = StateClosed
	s.sendBuffer = nil
	s.receiveBuffer = nil
	s.mu.Unlock()
	s.layer.removeConnection(s)
}

func (s *Socket) sendControlLocked(flags uint8, seq uint32) {
	s.sendSegmentLocked(flags, seq, nil)
}

// sendSegmentLocked builds and emits one TCP segment. Caller holds mu.
// The ack field is always the socket's current receiveNextExpected;
// callers only choose flags and the sequence number.
func (s *Socket) sendSegmentLocked(flags uint8, seq uint32, payload []byte) {
	var hdr Header
	window := uint16(s.ring.Free())
	hdr.fill(s.localPort, s.remotePort, seq, s.receiveNextExpected, flags, window)
	hdr.setChecksum(checksum(s.localAddr, s.remoteAddr, hdr, payload))

	frame := make([]byte, HeaderLength+len(payload))
	copy(frame, hdr[:])
	copy(frame[HeaderLength:], payload)

	if err := s.layer.ip.SendPacket(s.remoteAddr, ip.ProtocolTCP, frame); err != nil {
		kfmt.Warning("TCP: send to %s:%d failed\n", s.remoteAddr.String(), s.remotePort)
	}
}

// handleSegment processes one inbound segment already matched to this
// socket by its 4-tuple (or, for a Listen socket, by local port alone).
// localAddr is the packet's destination address, used verbatim as the
// spawned child's local address so its 4-tuple matches later segments.
func (s *Socket) handleSegment(hdr *Header, localAddr, remoteAddr ip.Address, remotePort uint16, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hdr.RST() {
		s.state = StateClosed
		s.sendBuffer = nil
		s.receiveBuffer = nil
		s.layer.removeConnection(s)
		return
	}

	switch s.state {
	case StateListen:
		if !hdr.SYN() {
			return
		}
		child := newSocket(s.layer)
		child.localAddr = localAddr
		child.localPort = s.localPort
		child.remoteAddr = remoteAddr
		child.remotePort = remotePort
		child.irs = hdr.SequenceNumber()
		child.receiveNextExpected = child.irs + 1
		child.iss = initialSequenceNumber()
		child.sendNext = child.iss + 1
		child.sendUnacknowledged = child.iss
		child.sendWindow = hdr.WindowSize()
		child.state = StateSynReceived
		s.layer.registerConnection(child)
		child.mu.Lock()
		child.sendControlLocked(flagSYN|flagACK, child.iss)
		child.mu.Unlock()
		return

	case StateSynSent:
		if hdr.SYN() && hdr.ACK() {
			s.irs = hdr.SequenceNumber()
			s.receiveNextExpected = s.irs + 1
			s.sendUnacknowledged = hdr.AckNumber()
			s.sendWindow = hdr.WindowSize()
			s.state = StateEstablished
			s.sendControlLocked(flagACK, s.sendNext)
		}
		return

	case StateSynReceived:
		if hdr.ACK() {
			s.sendUnacknowledged = hdr.AckNumber()
			s.sendWindow = hdr.WindowSize()
			s.state = StateEstablished
			s.layer.depositAccepted(s)
		}
		return
	}

	if hdr.ACK() {
		s.acknowledgeLocked(hdr.AckNumber(), hdr.WindowSize())
	}

	if len(payload) > 0 {
		if !s.inWindowLocked(hdr.SequenceNumber(), len(payload)) {
			return
		}
		s.receiveBuffer = append(s.receiveBuffer, &receiveEntry{
			seqStart: hdr.SequenceNumber(),
			seqEnd:   hdr.SequenceNumber() + uint32(len(payload)),
			data:     append([]byte(nil), payload...),
		})
		s.reorderLocked()
		s.sendControlLocked(flagACK, s.sendNext)
	}

	if hdr.FIN() {
		s.receiveNextExpected++
		switch s.state {
		case StateEstablished:
			s.state = StateCloseWait
		case StateFinWait1, StateFinWait2:
			s.state = StateTimeWait
		}
		s.sendControlLocked(flagACK, s.sendNext)
	}

	if hdr.ACK() && s.state == StateFinWait1 {
		s.state = StateFinWait2
	}
	if hdr.ACK() && s.state == StateLastAck {
		s.state = StateClosed
		s.layer.removeConnection(s)
	}
}

// inWindowLocked implements spec §4.5's sequence validation: empty
// payloads are always in-window, otherwise the whole segment must fall
// within [receive_next_expected, receive_next_expected+receive_window).
func (s *Socket) inWindowLocked(seq uint32, length int) bool {
	if length == 0 {
		return true
	}
	window := uint32(s.ring.Free())
	lo := s.receiveNextExpected
	hi := lo + window
	end := seq + uint32(length)
	return seq >= lo && end <= hi
}

// reorderLocked sorts pending out-of-order segments by seq_start and
// consumes any run starting at receive_next_expected into the ring
// buffer, discarding entries the run makes redundant.
func (s *Socket) reorderLocked() {
	sort.Slice(s.receiveBuffer, func(i, j int) bool {
		return s.receiveBuffer[i].seqStart < s.receiveBuffer[j].seqStart
	})

	kept := s.receiveBuffer[:0]
	for _, entry := range s.receiveBuffer {
		if entry.seqEnd <= s.receiveNextExpected {
			continue // fully covered by data already consumed
		}
		if entry.seqStart == s.receiveNextExpected {
			s.ring.Write(entry.data)
			s.receiveNextExpected = entry.seqEnd
			continue
		}
		kept = append(kept, entry)
	}
	s.receiveBuffer = kept
}

// acknowledgeLocked drops every send-buffer entry an incoming ACK fully
// covers and updates the send window, resetting the retransmit counter
// since forward progress was made.
func (s *Socket) acknowledgeLocked(ack uint32, window uint16) {
	s.sendUnacknowledged = ack
	s.sendWindow = window
	s.retransmitCount = 0

	kept := s.sendBuffer[:0]
	for _, entry := range s.sendBuffer {
		if entry.seqEnd > ack {
			kept = append(kept, entry)
		}
	}
	s.sendBuffer = kept
}

// poll drives retransmission: any unacknowledged entry older than RTO is
// resent, and the connection aborts once more than maxRetransmits polls in
// a row have had to resend.
func (s *Socket) poll() {
	s.mu.Lock()
	if s.state == StateClosed || len(s.sendBuffer) == 0 {
		s.mu.Unlock()
		return
	}
	now := cpu.ReadTSC()
	var expired bool
	for _, entry := range s.sendBuffer {
		if now-entry.timestamp > rtoTicks {
			s.sendSegmentLocked(flagACK|flagPSH, entry.seqStart, entry.data)
			entry.timestamp = now
			expired = true
		}
	}
	if expired {
		s.retransmitCount++
	}
	abort := s.retransmitCount > maxRetransmits
	s.mu.Unlock()

	if abort {
		kfmt.Error("TCP: aborting connection to %s:%d after %d retransmits\n", s.remoteAddr.String(), s.remotePort, s.retransmitCount)
		s.Abort()
	}
}

func msToTicks(ms uint64) uint64 {
	// TSC frequency isn't modeled here; the engine treats one tick as one
	// unit of the same clock fragment reassembly's timeout uses, so a
	// caller-supplied "ms" is really just an opaque deadline budget.
	return ms * 1000
}

// initialSequenceNumber derives an ISN from the TSC, matching nanokoton's
// time-derived choice without needing a cryptographic RNG this early in
// boot.
func initialSequenceNumber() uint32 {
	return uint32(cpu.ReadTSC())
}
