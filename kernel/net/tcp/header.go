package tcp

import "gophernel/kernel/net/ip"

// HeaderLength is the fixed size of a TCP header with no options, the
// only shape this engine emits or accepts.
const HeaderLength = 20

const (
	flagFIN uint8 = 0x01
	flagSYN uint8 = 0x02
	flagRST uint8 = 0x04
	flagPSH uint8 = 0x08
	flagACK uint8 = 0x10
)

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func putBE16(b []byte, v uint16) {
	b[0] = uint8(v >> 8)
	b[1] = uint8(v)
}
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putBE32(b []byte, v uint32) {
	b[0] = uint8(v >> 24)
	b[1] = uint8(v >> 16)
	b[2] = uint8(v >> 8)
	b[3] = uint8(v)
}

// Header is a 20-byte TCP header in on-wire byte order, following the
// same packed-record-plus-accessors convention as ip.Header.
type Header [HeaderLength]byte

func (h *Header) SourcePort() uint16      { return be16(h[0:2]) }
func (h *Header) DestinationPort() uint16 { return be16(h[2:4]) }
func (h *Header) SequenceNumber() uint32  { return be32(h[4:8]) }
func (h *Header) AckNumber() uint32       { return be32(h[8:12]) }
func (h *Header) DataOffset() int         { return int(h[12]>>4) * 4 }
func (h *Header) Flags() uint8            { return h[13] }
func (h *Header) WindowSize() uint16      { return be16(h[14:16]) }
func (h *Header) Checksum() uint16        { return be16(h[16:18]) }

func (h *Header) FIN() bool { return h.Flags()&flagFIN != 0 }
func (h *Header) SYN() bool { return h.Flags()&flagSYN != 0 }
func (h *Header) RST() bool { return h.Flags()&flagRST != 0 }
func (h *Header) PSH() bool { return h.Flags()&flagPSH != 0 }
func (h *Header) ACK() bool { return h.Flags()&flagACK != 0 }

func (h *Header) fill(srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16) {
	putBE16(h[0:2], srcPort)
	putBE16(h[2:4], dstPort)
	putBE32(h[4:8], seq)
	putBE32(h[8:12], ack)
	h[12] = 5 << 4
	h[13] = flags
	putBE16(h[14:16], window)
	putBE16(h[16:18], 0)
	putBE16(h[18:20], 0)
}

func (h *Header) setChecksum(v uint16) { putBE16(h[16:18], v) }

// pseudoHeader is the 12-byte prefix summed alongside the TCP header and
// payload to compute the checksum (spec §4.5).
type pseudoHeader [12]byte

func newPseudoHeader(src, dst ip.Address, length uint16) pseudoHeader {
	var p pseudoHeader
	putBE32(p[0:4], uint32(src))
	putBE32(p[4:8], uint32(dst))
	p[8] = 0
	p[9] = uint8(ip.ProtocolTCP)
	putBE16(p[10:12], length)
	return p
}

// checksum computes the TCP checksum: the pseudo-header, the header with
// its checksum field zeroed, and the payload, summed as one buffer and
// folded via ip.Checksum (spec §4.5's exact algorithm).
func checksum(src, dst ip.Address, hdr Header, payload []byte) uint16 {
	hdr.setChecksum(0)
	pseudo := newPseudoHeader(src, dst, uint16(HeaderLength+len(payload)))

	buf := make([]byte, 0, len(pseudo)+HeaderLength+len(payload))
	buf = append(buf, pseudo[:]...)
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return ip.Checksum(buf)
}
