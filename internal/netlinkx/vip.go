package netlinkx

import (
	"fmt"
	"net"
	"syscall"
)

// AddrDel removes an IP address from an interface via RTM_DELADDR. It is
// the exported counterpart to AddrReplace's internal addrDel, used by the
// Resource Activator to retract a VIP on deactivation/demotion.
func AddrDel(ifaceName, cidr string) error {
	return addrDel(ifaceName, cidr)
}

// HasAddr reports whether ip/cidr is already present on ifaceName, used to
// make VIP activation idempotent (§4.3).
func HasAddr(ifaceName, ip string, cidrBits int) (bool, error) {
	addrs, err := AddrList(ifaceName)
	if err != nil {
		return false, err
	}
	want := net.ParseIP(ip)
	if want == nil {
		return false, fmt.Errorf("netlinkx: invalid ip %q", ip)
	}
	for _, a := range addrs {
		if a.IP.Equal(want) {
			ones, _ := a.CIDR.Mask.Size()
			if ones == cidrBits {
				return true, nil
			}
		}
	}
	return false, nil
}

// GratuitousARP sends an unsolicited ARP reply (announcing ip as owned by
// this interface's hardware address) followed by an ARP request targeting
// ip itself, refreshing neighbour caches after a VIP migrates (§4.3:
// "unsolicited and address-check variants"). Uses a raw AF_PACKET socket so
// no external `arping` binary is required.
func GratuitousARP(ifaceName, ip string) error {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("netlinkx: interface %q not found: %w", ifaceName, err)
	}
	target := net.ParseIP(ip).To4()
	if target == nil {
		return fmt.Errorf("netlinkx: invalid ipv4 address %q", ip)
	}

	fd, err := syscall.Socket(syscall.AF_PACKET, syscall.SOCK_RAW, htons(syscall.ETH_P_ARP))
	if err != nil {
		return fmt.Errorf("netlinkx: open AF_PACKET socket (requires CAP_NET_RAW): %w", err)
	}
	defer syscall.Close(fd)

	// ARP reply: sender=target, target=target (gratuitous announce).
	if err := sendARP(fd, iface, target, target, arpOpReply); err != nil {
		return err
	}
	// ARP request: "who has target" — the address-check variant.
	return sendARP(fd, iface, target, target, arpOpRequest)
}

const (
	arpOpRequest = 1
	arpOpReply   = 2
)

func htons(v int) int {
	return int(uint16(v)>>8 | uint16(v)<<8)
}

// sendARP builds and transmits a single Ethernet+ARP frame out of iface.
func sendARP(fd int, iface *net.Interface, senderIP, targetIP net.IP, op uint16) error {
	broadcast := [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	var srcHW [6]byte
	copy(srcHW[:], iface.HardwareAddr)

	frame := make([]byte, 0, 14+28)
	frame = append(frame, broadcast[:]...)      // dst MAC
	frame = append(frame, srcHW[:]...)          // src MAC
	frame = append(frame, 0x08, 0x06)           // ethertype ARP

	arp := make([]byte, 0, 28)
	arp = append(arp, 0x00, 0x01) // HTYPE ethernet
	arp = append(arp, 0x08, 0x00) // PTYPE ipv4
	arp = append(arp, 6)          // HLEN
	arp = append(arp, 4)          // PLEN
	arp = append(arp, byte(op>>8), byte(op))
	arp = append(arp, srcHW[:]...)
	arp = append(arp, senderIP.To4()...)
	arp = append(arp, broadcast[:]...) // target HW unknown for gratuitous/request
	arp = append(arp, targetIP.To4()...)
	frame = append(frame, arp...)

	var addr syscall.SockaddrLinklayer
	addr.Ifindex = iface.Index
	addr.Halen = 6
	copy(addr.Addr[:], broadcast[:])

	return syscall.Sendto(fd, frame, 0, &addr)
}
