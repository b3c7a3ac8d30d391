// Package netlinkx provides a minimal Linux netlink/rtnetlink client for
// the handful of `ip`(8) operations the Resource Activator needs to bring
// a VIP up and down (spec §4.3).
//
// Why not vishvananda/netlink?
//   vishvananda/netlink requires golang.org/x/sys, which in turn adds CGO
//   build constraints and a large external dependency. For the handful of
//   ip(8) calls this daemon makes (addr add/replace/del, link set up), raw
//   rtnetlink via the stdlib syscall package is sufficient and keeps the
//   daemon dependency-free.
//
// Supported operations:
//   - LinkSetUp(name)                     → ip link set NAME up
//   - AddrAdd(iface, cidr)                → ip addr add CIDR dev IFACE
//   - AddrReplace(iface, cidr)            → ip addr replace CIDR dev IFACE
//   - AddrList(iface)                     → ip addr show [IFACE]
//
// Linux kernel minimum: 3.0 (rtnetlink stable API). All supported distros qualify.
package netlinkx

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"
)

// Address flags
const ifaFlagPermanent = 0x80

// RTM flags
const rtmFlagCreate = 0x400 // NLM_F_CREATE

// AddrInfo is returned by AddrList.
type AddrInfo struct {
	IP    net.IP
	CIDR  *net.IPNet
	Label string
}

// ─────────────────────────────────────────────
//  Netlink socket helpers
// ─────────────────────────────────────────────

func nlSocket() (int, error) {
	fd, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW|syscall.SOCK_CLOEXEC, syscall.NETLINK_ROUTE)
	if err != nil {
		return 0, fmt.Errorf("netlink socket: %w", err)
	}
	lsa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK}
	if err := syscall.Bind(fd, lsa); err != nil {
		syscall.Close(fd)
		return 0, fmt.Errorf("netlink bind: %w", err)
	}
	return fd, nil
}

// nlAttr builds a netlink attribute header + data, padded to 4-byte alignment.
func nlAttr(typ uint16, data []byte) []byte {
	length := 4 + len(data)
	padded := (length + 3) &^ 3
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint16(buf[0:], uint16(length))
	binary.LittleEndian.PutUint16(buf[2:], typ)
	copy(buf[4:], data)
	return buf
}

// sendrecv sends a netlink request and returns all response messages.
func sendrecv(fd int, msgType uint16, flags uint16, family uint8, payload []byte) ([]syscall.NetlinkMessage, error) {
	seq := uint32(1)
	msg := make([]byte, syscall.NLMSG_HDRLEN+len(payload))
	hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&msg[0]))
	hdr.Len = uint32(len(msg))
	hdr.Type = msgType
	hdr.Flags = flags | syscall.NLM_F_REQUEST
	hdr.Seq = seq
	copy(msg[syscall.NLMSG_HDRLEN:], payload)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK}
	if err := syscall.Sendto(fd, msg, 0, dst); err != nil {
		return nil, fmt.Errorf("netlink send: %w", err)
	}

	var msgs []syscall.NetlinkMessage
	buf := make([]byte, 65536)
	for {
		n, _, err := syscall.Recvfrom(fd, buf, 0)
		if err != nil {
			return nil, fmt.Errorf("netlink recv: %w", err)
		}
		parsed, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			return nil, fmt.Errorf("netlink parse: %w", err)
		}
		for _, m := range parsed {
			if m.Header.Type == syscall.NLMSG_DONE {
				return msgs, nil
			}
			if m.Header.Type == syscall.NLMSG_ERROR {
				if len(m.Data) < 4 {
					return nil, fmt.Errorf("netlink: NLMSG_ERROR with truncated payload (%d bytes)", len(m.Data))
				}
				e := (*syscall.NlMsgerr)(unsafe.Pointer(&m.Data[0]))
				if e.Error == 0 {
					return msgs, nil // ACK
				}
				return nil, fmt.Errorf("netlink error: %w", syscall.Errno(-e.Error))
			}
			msgs = append(msgs, m)
		}
		// If NLM_F_DUMP, keep reading; otherwise stop after first batch
		if flags&syscall.NLM_F_DUMP == 0 {
			return msgs, nil
		}
	}
}

// ifIndexByName returns the kernel interface index for a named interface.
func ifIndexByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %q not found: %w", name, err)
	}
	return iface.Index, nil
}

// ─────────────────────────────────────────────
//  Link operations
// ─────────────────────────────────────────────

// linkSetFlags sets or clears interface flags via RTM_NEWLINK.
func linkSetFlags(name string, flagsSet, flagsClear uint32) error {
	idx, err := ifIndexByName(name)
	if err != nil {
		return err
	}
	fd, err := nlSocket()
	if err != nil {
		return err
	}
	defer syscall.Close(fd)

	// ifi_msg: family(1) + pad(1) + type(2) + index(4) + flags(4) + change(4)
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[4:], uint32(idx))
	binary.LittleEndian.PutUint32(payload[8:], flagsSet)
	binary.LittleEndian.PutUint32(payload[12:], flagsSet|flagsClear) // change mask

	_, err = sendrecv(fd, syscall.RTM_NEWLINK, syscall.NLM_F_ACK, 0, payload)
	return err
}

// LinkSetUp brings an interface up (ip link set NAME up), run before
// assigning a VIP to it (§4.3).
func LinkSetUp(name string) error {
	return linkSetFlags(name, syscall.IFF_UP, 0)
}

// ─────────────────────────────────────────────
//  Address operations
// ─────────────────────────────────────────────

// addrOp performs RTM_NEWADDR with given flags (create, replace, etc.)
func addrOp(ifaceName, cidr string, nlmFlags uint16) error {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	ip = ip.To4()
	if ip == nil {
		return fmt.Errorf("only IPv4 is supported")
	}

	idx, err := ifIndexByName(ifaceName)
	if err != nil {
		return err
	}

	ones, _ := ipnet.Mask.Size()

	fd, err := nlSocket()
	if err != nil {
		return err
	}
	defer syscall.Close(fd)

	// ifa_msg: family(1) + prefixlen(1) + flags(1) + scope(1) + index(4)
	header := []byte{
		syscall.AF_INET,  // family
		byte(ones),       // prefixlen
		ifaFlagPermanent, // flags
		0,                // scope: universe
		0, 0, 0, 0,       // index (4 bytes LE)
	}
	binary.LittleEndian.PutUint32(header[4:], uint32(idx))

	payload := header
	payload = append(payload, nlAttr(syscall.IFA_LOCAL, ip)...)
	payload = append(payload, nlAttr(syscall.IFA_ADDRESS, ipnet.IP.To4())...)

	_, err = sendrecv(fd, syscall.RTM_NEWADDR, nlmFlags|syscall.NLM_F_ACK, syscall.AF_INET, payload)
	return err
}

// AddrAdd adds an IP address to an interface (ip addr add CIDR dev IFACE).
func AddrAdd(ifaceName, cidr string) error {
	return addrOp(ifaceName, cidr, rtmFlagCreate)
}

// AddrReplace replaces the IP address on an interface (ip addr replace CIDR dev IFACE).
// Semantics match ip(8): removes all existing IPv4 addresses on the interface,
// then assigns the new address. Uses RTM_DELADDR + RTM_NEWADDR.
func AddrReplace(ifaceName, cidr string) error {
	// Remove existing addresses on this interface first
	existingAddrs, _ := AddrList(ifaceName)
	for _, a := range existingAddrs {
		if a.IP.To4() != nil {
			_ = addrDel(ifaceName, a.CIDR.String()) // best-effort; don't fail if already gone
		}
	}
	return addrOp(ifaceName, cidr, rtmFlagCreate)
}

// addrDel removes an IP address from an interface via RTM_DELADDR.
func addrDel(ifaceName, cidr string) error {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	ip = ip.To4()
	if ip == nil {
		return nil // IPv6 not supported, skip
	}
	idx, err := ifIndexByName(ifaceName)
	if err != nil {
		return err
	}
	ones, _ := ipnet.Mask.Size()
	fd, err := nlSocket()
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	header := []byte{
		syscall.AF_INET, byte(ones), 0, 0,
		0, 0, 0, 0, // index
	}
	binary.LittleEndian.PutUint32(header[4:], uint32(idx))
	payload := header
	payload = append(payload, nlAttr(syscall.IFA_LOCAL, ip)...)
	_, err = sendrecv(fd, syscall.RTM_DELADDR, syscall.NLM_F_ACK, syscall.AF_INET, payload)
	return err
}

// AddrList returns the addresses assigned to an interface.
// Uses stdlib net.InterfaceByName which reads /proc/net — no syscall needed.
func AddrList(ifaceName string) ([]AddrInfo, error) {
	var ifaces []net.Interface
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("interface %q not found: %w", ifaceName, err)
		}
		ifaces = []net.Interface{*iface}
	} else {
		var err error
		ifaces, err = net.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("list interfaces: %w", err)
		}
	}

	var result []AddrInfo
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			switch v := a.(type) {
			case *net.IPNet:
				result = append(result, AddrInfo{IP: v.IP, CIDR: v})
			}
		}
	}
	return result, nil
}
