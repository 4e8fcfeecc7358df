package ip

// EtherTypeIPv4 is the ethertype the IP layer subscribes to on every
// registered link device, per spec §6.
const EtherTypeIPv4 = 0x0800

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
func BroadcastMAC() MAC {
	return MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

// LinkDevice is the minimal surface the IP layer needs from an Ethernet
// NIC driver: send a frame and report the device's own address. A real
// driver (none exists yet in this tree) and a fake used by tests both
// satisfy this interface.
type LinkDevice interface {
	Send(dst MAC, etherType uint16, payload []byte) error
	MAC() MAC
}

// Interface is one IP-configured network interface bound to a LinkDevice.
type Interface struct {
	Index   uint32
	Address Address
	Netmask Address
	Gateway Address
	Up      bool
	MTU     uint32
	Device  LinkDevice
}
