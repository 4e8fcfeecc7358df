package ip

import (
	"gophernel/kernel/cpu"
	"gophernel/kernel/kfmt"
	"gophernel/kernel/sync"
)

// Layer is the process-wide IP singleton: interface table, routing
// table, fragment reassembly, and the protocol-handler registry that
// feeds TCP/UDP/ICMP. Per spec §5, the fragment table (and everything
// else here) is only ever touched from thread context, so it is guarded
// by the yielding sync.Mutex rather than sched's interrupt-disabling
// spinlock.
type Layer struct {
	lock sync.Mutex

	interfaces []*Interface
	routes     []Route
	fragments  map[fragmentKey]*fragmentBuffer

	handlerLock sync.Mutex
	handlers    []handlerEntry
	nextHandler HandlerID

	idCounter uint16
}

// New creates an uninitialized IP layer. Init must be called (and must
// succeed) before any other method, per spec §9's static-singleton /
// fail-stop init-order note.
func New() *Layer {
	return &Layer{
		fragments: make(map[fragmentKey]*fragmentBuffer),
	}
}

// Init prepares the layer for use. There is no hardware to probe here
// (that happens in AddInterface, once a NIC driver exists); this exists
// so IP takes its place in the FA -> PTM -> SCHED -> IPR -> TCP boot
// sequence spec §9 names.
func (l *Layer) Init() error {
	kfmt.Info("IP: layer initialized\n")
	return nil
}

// AddInterface registers a link device under a fixed IP configuration
// and installs both an on-link route and, if gateway is non-zero, a
// default route through it — mirroring nanokoton's add_interface.
func (l *Layer) AddInterface(device LinkDevice, address, netmask, gateway Address) *Interface {
	l.lock.Lock()
	defer l.lock.Unlock()

	iface := &Interface{
		Index:   uint32(len(l.interfaces)),
		Address: address,
		Netmask: netmask,
		Gateway: gateway,
		Up:      true,
		MTU:     1500,
		Device:  device,
	}
	l.interfaces = append(l.interfaces, iface)

	l.routes = append(l.routes, Route{
		Network:        address,
		Netmask:        netmask,
		Gateway:        Any(),
		InterfaceIndex: iface.Index,
	})
	if gateway != Any() {
		l.routes = append(l.routes, Route{
			Network:        Any(),
			Netmask:        Any(),
			Gateway:        gateway,
			InterfaceIndex: iface.Index,
			Metric:         1,
		})
	}

	kfmt.Info("IP: added interface %d: %s/%s via %s\n", iface.Index, address.String(), netmask.String(), gateway.String())
	return iface
}

// RemoveInterface drops an interface and every route through it.
func (l *Layer) RemoveInterface(index uint32) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	i, ok := l.findInterfaceIndexLocked(index)
	if !ok {
		return ErrUnknownInterface
	}
	l.interfaces = append(l.interfaces[:i], l.interfaces[i+1:]...)

	kept := l.routes[:0]
	for _, r := range l.routes {
		if r.InterfaceIndex != index {
			kept = append(kept, r)
		}
	}
	l.routes = kept
	return nil
}

func (l *Layer) findInterfaceIndexLocked(index uint32) (int, bool) {
	for i, iface := range l.interfaces {
		if iface.Index == index {
			return i, true
		}
	}
	return 0, false
}

// Interface returns the interface at index, or nil if none exists.
func (l *Layer) Interface(index uint32) *Interface {
	l.lock.Lock()
	defer l.lock.Unlock()
	if i, ok := l.findInterfaceIndexLocked(index); ok {
		return l.interfaces[i]
	}
	return nil
}

// SetInterfaceAddress, SetInterfaceNetmask and SetInterfaceGateway let
// callers reconfigure an interface after it's added, per nanokoton's
// equivalent setters.
func (l *Layer) SetInterfaceAddress(index uint32, addr Address) error {
	return l.withInterfaceLocked(index, func(iface *Interface) { iface.Address = addr })
}

func (l *Layer) SetInterfaceNetmask(index uint32, mask Address) error {
	return l.withInterfaceLocked(index, func(iface *Interface) { iface.Netmask = mask })
}

func (l *Layer) SetInterfaceGateway(index uint32, gw Address) error {
	return l.withInterfaceLocked(index, func(iface *Interface) { iface.Gateway = gw })
}

func (l *Layer) withInterfaceLocked(index uint32, fn func(*Interface)) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	i, ok := l.findInterfaceIndexLocked(index)
	if !ok {
		return ErrUnknownInterface
	}
	fn(l.interfaces[i])
	return nil
}

// AddRoute inserts a routing-table entry.
func (l *Layer) AddRoute(network, netmask, gateway Address, ifaceIndex, metric uint32) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, ok := l.findInterfaceIndexLocked(ifaceIndex); !ok {
		return ErrUnknownInterface
	}
	l.routes = append(l.routes, Route{network, netmask, gateway, ifaceIndex, metric})
	return nil
}

// RemoveRoute deletes the first entry matching network/netmask exactly.
func (l *Layer) RemoveRoute(network, netmask Address) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i, r := range l.routes {
		if r.Network == network && r.Netmask == netmask {
			l.routes = append(l.routes[:i], l.routes[i+1:]...)
			return true
		}
	}
	return false
}

// RegisterProtocolHandler subscribes callback to every packet whose
// protocol matches. Order of registration/invocation is not observable.
func (l *Layer) RegisterProtocolHandler(proto Protocol, callback PacketHandler) HandlerID {
	l.handlerLock.Lock()
	defer l.handlerLock.Unlock()
	l.nextHandler++
	l.handlers = append(l.handlers, handlerEntry{id: l.nextHandler, protocol: proto, callback: callback})
	return l.nextHandler
}

// UnregisterProtocolHandler removes a handler by the id RegisterProtocolHandler returned.
func (l *Layer) UnregisterProtocolHandler(id HandlerID) bool {
	l.handlerLock.Lock()
	defer l.handlerLock.Unlock()
	for i, h := range l.handlers {
		if h.id == id {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Layer) dispatch(pkt Packet) {
	l.handlerLock.Lock()
	defer l.handlerLock.Unlock()
	for _, h := range l.handlers {
		if h.protocol == pkt.Protocol {
			h.callback(pkt)
		}
	}
}

// SendPacket builds and emits an IPv4 datagram: it looks up a route by
// longest-prefix match, resolves the next hop, stamps a fresh header
// (TTL=64, a monotonically incremented identification, DF=0, MF=0,
// fragment_offset=0 — this engine never fragments its own egress), and
// hands the frame to the chosen interface's link device.
func (l *Layer) SendPacket(dest Address, proto Protocol, payload []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	route, ok := findRoute(l.routes, dest)
	if !ok {
		return ErrNoRoute
	}
	iface := l.interfaces[route.InterfaceIndex]
	if !iface.Up {
		return ErrInterfaceDown
	}

	l.idCounter++
	var hdr Header
	hdr.fill(uint16(HeaderLength+len(payload)), l.idCounter, 64, proto, iface.Address, dest)
	hdr.SetChecksum(Checksum(hdr[:]))

	frame := make([]byte, HeaderLength+len(payload))
	copy(frame, hdr[:])
	copy(frame[HeaderLength:], payload)

	// No ARP table exists yet; unicast frames go out with an all-zero
	// destination MAC, same placeholder nanokoton uses.
	dstMAC := MAC{}
	if dest == Broadcast() {
		dstMAC = BroadcastMAC()
	}

	kfmt.Trace("IP: sent %d bytes to %s proto=%d via iface %d\n", len(frame), dest.String(), uint8(proto), iface.Index)
	return iface.Device.Send(dstMAC, EtherTypeIPv4, frame)
}

// ProcessPacket is the ingress entry point invoked by the link layer for
// every frame with ethertype IPv4. It validates, reassembles fragments,
// and dispatches complete datagrams to registered handlers.
func (l *Layer) ProcessPacket(frame []byte) {
	hdr, ok := validate(frame)
	if !ok {
		return
	}

	total := hdr.TotalLength()
	if int(total) > len(frame) {
		return
	}

	if hdr.FragmentOffset() > 0 || hdr.MoreFragments() {
		l.processFragment(hdr, frame[:total])
		return
	}

	dataOffset := hdr.HeaderLen()
	pkt := Packet{
		Source:         hdr.Source(),
		Destination:    hdr.Destination(),
		Protocol:       hdr.Protocol(),
		Identification: hdr.Identification(),
		TTL:            hdr.TTL(),
		Data:           append([]byte(nil), frame[dataOffset:total]...),
	}
	l.dispatch(pkt)
}

func (l *Layer) processFragment(hdr *Header, frame []byte) {
	key := fragmentKey{
		source:      hdr.Source(),
		destination: hdr.Destination(),
		id:          hdr.Identification(),
		protocol:    hdr.Protocol(),
	}

	l.lock.Lock()
	now := cpu.ReadTSC()
	buf, ok := l.fragments[key]
	if !ok {
		buf = newFragmentBuffer(key, now)
		l.fragments[key] = buf
	}

	dataOffset := hdr.HeaderLen()
	payload := append([]byte(nil), frame[dataOffset:]...)
	reassembled, complete := buf.store(hdr.FragmentOffset()*8, payload, !hdr.MoreFragments(), now)
	if complete {
		delete(l.fragments, key)
	}
	l.lock.Unlock()

	if complete {
		l.dispatch(Packet{
			Source:         key.source,
			Destination:    key.destination,
			Protocol:       key.protocol,
			Identification: key.id,
			Data:           reassembled,
		})
	}
}

// Poll sweeps and evicts fragment buffers that timed out (spec §4.4:
// 30 seconds without a new fragment). Callers drive this periodically,
// e.g. from the scheduler's timer tick.
func (l *Layer) Poll() {
	l.lock.Lock()
	defer l.lock.Unlock()
	now := cpu.ReadTSC()
	for key, buf := range l.fragments {
		if buf.expired(now) {
			delete(l.fragments, key)
		}
	}
}

func validate(frame []byte) (*Header, bool) {
	if len(frame) < HeaderLength {
		return nil, false
	}
	var hdr Header
	copy(hdr[:], frame[:HeaderLength])

	if hdr.Version() != 4 || hdr.IHL() < 5 {
		return nil, false
	}
	headerLen := hdr.HeaderLen()
	// Options are not supported: every header this engine emits or
	// accepts is exactly HeaderLength bytes (IHL=5).
	if headerLen != HeaderLength || headerLen > len(frame) {
		return nil, false
	}

	want := hdr.Checksum()
	check := hdr
	check.SetChecksum(0)
	if Checksum(check[:]) != want {
		return nil, false
	}

	total := hdr.TotalLength()
	if int(total) > len(frame) || int(total) < headerLen {
		return nil, false
	}

	return &hdr, true
}
