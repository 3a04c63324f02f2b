package node

import (
	"fmt"
	"net"
)

var (
	// ErrMulticastIP is returned for multicast or unspecified addresses.
	ErrMulticastIP = fmt.Errorf("node: multicast or unspecified IP")

	// ErrRelayLoopback is returned when a non-loopback sender relays a
	// loopback address.
	ErrRelayLoopback = fmt.Errorf("node: loopback IP relayed from non-loopback sender")

	// ErrRelayLAN is returned when a WAN sender relays a LAN address.
	ErrRelayLAN = fmt.Errorf("node: LAN IP relayed from WAN sender")
)

// IsLANAddress reports whether an IP is a private or local address:
// RFC1918 ranges, IPv6 ULA, link-local, or loopback.
func IsLANAddress(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 10.0.0.0/8
		if ip4[0] == 10 {
			return true
		}
		// 172.16.0.0/12
		if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
			return true
		}
		// 192.168.0.0/16
		if ip4[0] == 192 && ip4[1] == 168 {
			return true
		}
		return false
	}

	if ip6 := ip.To16(); ip6 != nil {
		// fc00::/7 unique local addresses
		if ip6[0]&0xfe == 0xfc {
			return true
		}
	}

	return false
}

// CheckRelayIP reports whether an IP relayed in a NODES reply is plausible
// coming from the given sender.
//
// Rules:
//   - multicast and unspecified addresses are never valid
//   - loopback addresses are only valid from a loopback sender
//   - LAN addresses are only valid from a LAN sender
//
// Returns nil if the address is acceptable.
func CheckRelayIP(sender, addr net.IP) error {
	if addr == nil || addr.IsMulticast() || addr.IsUnspecified() {
		return ErrMulticastIP
	}

	if addr.IsLoopback() && !sender.IsLoopback() {
		return ErrRelayLoopback
	}

	if IsLANAddress(addr) && !addr.IsLoopback() && !IsLANAddress(sender) {
		return ErrRelayLAN
	}

	return nil
}

// SubnetKey maps an IP to the subnet string used for table IP limits:
// the /24 network for IPv4 and the /64 network for IPv6.
func SubnetKey(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}

	return ip.Mask(net.CIDRMask(64, 128)).String() + "/64"
}

// ValidateUDPAddr checks that a UDP address is usable for discovery traffic.
func ValidateUDPAddr(addr *net.UDPAddr) error {
	if addr == nil {
		return ErrInvalidAddress
	}

	if addr.IP == nil || addr.IP.IsUnspecified() {
		return ErrInvalidAddress
	}

	if addr.Port == 0 {
		return ErrInvalidPort
	}

	if addr.IP.IsMulticast() {
		return ErrMulticastNotSupported
	}

	return nil
}

// NormalizeIP returns the 4-byte form for IPv4 addresses and the 16-byte
// form otherwise, for consistent comparison.
func NormalizeIP(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip.To16()
}

// SameIP reports whether two IP addresses are equal, handling IPv4/IPv6
// representation differences.
func SameIP(ip1, ip2 net.IP) bool {
	if ip1 == nil || ip2 == nil {
		return false
	}
	return NormalizeIP(ip1).Equal(NormalizeIP(ip2))
}
