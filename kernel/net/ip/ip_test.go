package ip

import "testing"

type fakeDevice struct {
	mac  MAC
	sent [][]byte
}

func (d *fakeDevice) Send(dst MAC, etherType uint16, payload []byte) error {
	d.sent = append(d.sent, append([]byte(nil), payload...))
	return nil
}

func (d *fakeDevice) MAC() MAC { return d.mac }

func buildHeader(t *testing.T, src, dst Address, proto Protocol, id uint16, fragOffset uint16, mf bool, payload []byte) []byte {
	t.Helper()
	var hdr Header
	hdr.fill(uint16(HeaderLength+len(payload)), id, 64, proto, src, dst)
	if fragOffset != 0 || mf {
		flags := fragOffset & 0x1FFF
		if mf {
			flags |= 0x2000
		}
		putBE16(hdr[6:8], flags)
	}
	hdr.SetChecksum(Checksum(hdr[:]))

	frame := make([]byte, HeaderLength+len(payload))
	copy(frame, hdr[:])
	copy(frame[HeaderLength:], payload)
	return frame
}

func TestChecksumSelfValidates(t *testing.T) {
	frame := buildHeader(t, NewAddress(10, 0, 0, 1), NewAddress(10, 0, 0, 2), ProtocolTCP, 1, 0, false, []byte("hello"))
	if _, ok := validate(frame); !ok {
		t.Fatal("expected a freshly built header to validate")
	}
}

func TestValidateRejectsBadChecksum(t *testing.T) {
	frame := buildHeader(t, NewAddress(10, 0, 0, 1), NewAddress(10, 0, 0, 2), ProtocolTCP, 1, 0, false, []byte("hello"))
	frame[10] ^= 0xFF
	if _, ok := validate(frame); ok {
		t.Fatal("expected corrupted checksum to fail validation")
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	frame := buildHeader(t, NewAddress(10, 0, 0, 1), NewAddress(10, 0, 0, 2), ProtocolTCP, 1, 0, false, nil)
	frame[0] = (6 << 4) | 5
	if _, ok := validate(frame); ok {
		t.Fatal("expected non-v4 header to fail validation")
	}
}

func TestSendPacketUsesLongestPrefixMatch(t *testing.T) {
	l := New()
	dev := &fakeDevice{mac: MAC{1, 2, 3, 4, 5, 6}}
	iface := l.AddInterface(dev, NewAddress(10, 0, 0, 1), NewAddress(255, 255, 255, 0), Any())

	// A more specific route through a second interface, at the same
	// metric, should win over the broader /24 above.
	dev2 := &fakeDevice{mac: MAC{9, 9, 9, 9, 9, 9}}
	iface2 := l.AddInterface(dev2, NewAddress(10, 0, 0, 5), NewAddress(255, 255, 255, 255), Any())
	l.AddRoute(NewAddress(10, 0, 0, 2), NewAddress(255, 255, 255, 255), Any(), iface2.Index, 0)

	if err := l.SendPacket(NewAddress(10, 0, 0, 2), ProtocolTCP, []byte("hi")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if len(dev.sent) != 0 {
		t.Fatal("expected the /32 route to win, not the /24 on-link route")
	}
	if len(dev2.sent) != 1 {
		t.Fatal("expected the packet to go out the more specific interface")
	}
	_ = iface
}

func TestSendPacketNoRoute(t *testing.T) {
	l := New()
	if err := l.SendPacket(NewAddress(8, 8, 8, 8), ProtocolTCP, nil); err != ErrNoRoute {
		t.Fatalf("expected ErrNoRoute; got %v", err)
	}
}

func TestFragmentReassemblyOutOfOrder(t *testing.T) {
	l := New()
	var got []Packet
	l.RegisterProtocolHandler(ProtocolTCP, func(pkt Packet) { got = append(got, pkt) })

	src := NewAddress(1, 1, 1, 1)
	dst := NewAddress(2, 2, 2, 2)

	payload := func(n int, b byte) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = b
		}
		return p
	}

	// Offsets 0/185/370, in 8-byte units per spec's scenario 7: byte
	// offsets 0, 1480 and 2960; the first two fragments carry 1480 bytes
	// each (185*8), the last (MF=0) carries the remaining 60.
	frag0 := buildHeader(t, src, dst, ProtocolTCP, 42, 0, true, payload(1480, 'a'))
	frag1 := buildHeader(t, src, dst, ProtocolTCP, 42, 185, true, payload(1480, 'b'))
	frag2 := buildHeader(t, src, dst, ProtocolTCP, 42, 370, false, payload(60, 'c'))

	// Deliver in order 2, 0, 1 per the spec's end-to-end scenario.
	l.ProcessPacket(frag2)
	if len(got) != 0 {
		t.Fatal("expected no dispatch until the datagram is complete")
	}
	l.ProcessPacket(frag0)
	l.ProcessPacket(frag1)

	if len(got) != 1 {
		t.Fatalf("expected exactly one reassembled packet; got %d", len(got))
	}
	wantLen := 1480 + 1480 + 60
	if len(got[0].Data) != wantLen {
		t.Fatalf("expected concatenated payload length %d; got %d", wantLen, len(got[0].Data))
	}
	for i := 0; i < 1480; i++ {
		if got[0].Data[i] != 'a' {
			t.Fatalf("expected offset-ordered concatenation, byte %d was %q", i, got[0].Data[i])
		}
	}
}

func TestFragmentBufferEviction(t *testing.T) {
	buf := newFragmentBuffer(fragmentKey{}, 0)
	buf.store(0, []byte("partial"), false, 0)

	if buf.expired(fragmentTimeout) {
		t.Fatal("did not expect eviction exactly at the timeout boundary")
	}
	if !buf.expired(fragmentTimeout + 1) {
		t.Fatal("expected eviction once the timeout elapses")
	}
}

func TestPollEvictsExpiredFragments(t *testing.T) {
	l := New()

	frag := buildHeader(t, NewAddress(1, 1, 1, 1), NewAddress(2, 2, 2, 2), ProtocolUDP, 7, 0, true, []byte("partial"))
	l.ProcessPacket(frag)
	if len(l.fragments) != 1 {
		t.Fatal("expected the incomplete fragment to be buffered")
	}

	// A poll immediately afterwards uses the live TSC clock, so the
	// elapsed time is far under the 30-second timeout.
	l.Poll()
	if len(l.fragments) != 1 {
		t.Fatal("expected a fresh fragment buffer to survive an immediate poll")
	}

	for _, buf := range l.fragments {
		buf.lastAccessed = 0
	}
	if !l.fragments[nextFragmentKey(l)].expired(fragmentTimeout + 1) {
		t.Fatal("expected the buffer to report expired once its age exceeds the timeout")
	}

	l.Poll()
	if len(l.fragments) != 0 {
		t.Fatal("expected Poll to evict the aged-out fragment buffer")
	}
}

func nextFragmentKey(l *Layer) fragmentKey {
	for key := range l.fragments {
		return key
	}
	return fragmentKey{}
}
