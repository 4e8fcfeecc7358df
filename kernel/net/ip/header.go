package ip

// HeaderLength is the size in bytes of an IPv4 header with no options,
// the only shape this engine ever emits (IHL is always 5).
const HeaderLength = 20

// Protocol identifies the payload carried inside an IPv4 packet.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

// Header is a 20-byte IPv4 header in on-wire byte order. Per the design
// note on raw hardware structures, multi-byte fields are big-endian and
// must go through the accessors below rather than being read as native
// Go integers; there are no bit-fields, since those have no defined
// layout across toolchains.
type Header [HeaderLength]byte

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

func (h *Header) Version() uint8   { return h[0] >> 4 }
func (h *Header) IHL() uint8       { return h[0] & 0x0F }
func (h *Header) HeaderLen() int   { return int(h.IHL()) * 4 }
func (h *Header) DSCP() uint8      { return h[1] >> 2 }
func (h *Header) ECN() uint8       { return h[1] & 0x03 }
func (h *Header) TotalLength() uint16    { return be16(h[2:4]) }
func (h *Header) Identification() uint16 { return be16(h[4:6]) }

func (h *Header) flagsFragOffset() uint16 { return be16(h[6:8]) }
func (h *Header) FragmentOffset() uint16  { return h.flagsFragOffset() & 0x1FFF }
func (h *Header) DontFragment() bool      { return h.flagsFragOffset()&0x4000 != 0 }
func (h *Header) MoreFragments() bool     { return h.flagsFragOffset()&0x2000 != 0 }

func (h *Header) TTL() uint8          { return h[8] }
func (h *Header) Protocol() Protocol  { return Protocol(h[9]) }
func (h *Header) Checksum() uint16    { return be16(h[10:12]) }
func (h *Header) Source() Address      { return Address(be32(h[12:16])) }
func (h *Header) Destination() Address { return Address(be32(h[16:20])) }

// fill populates a header with the fields the egress path always uses:
// IHL=5 (no options), the given TTL/id/protocol/addresses, and MF=0,
// DF=0, fragment_offset=0. checksum is left zeroed for the caller to
// compute and set with SetChecksum.
func (h *Header) fill(totalLength uint16, id uint16, ttl uint8, proto Protocol, src, dst Address) {
	h[0] = (4 << 4) | 5
	h[1] = 0
	putBE16(h[2:4], totalLength)
	putBE16(h[4:6], id)
	putBE16(h[6:8], 0)
	h[8] = ttl
	h[9] = uint8(proto)
	putBE16(h[10:12], 0)
	putBE32(h[12:16], uint32(src))
	putBE32(h[16:20], uint32(dst))
}

func (h *Header) SetChecksum(v uint16) { putBE16(h[10:12], v) }

// Checksum computes the Internet checksum (RFC 1071): a ones-complement
// sum of 16-bit words, with any trailing odd byte padded, folded to 16
// bits, then complemented.
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for n > 1 {
		sum += uint32(data[0])<<8 | uint32(data[1])
		data = data[2:]
		n -= 2
	}
	if n == 1 {
		sum += uint32(data[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
