package node

import (
	"net"
	"testing"
)

func TestIsLANAddress(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"8.8.8.8", false},
		{"1.2.3.4", false},
		{"fe80::1", true},
		{"fc00::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		if got := IsLANAddress(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("IsLANAddress(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestCheckRelayIP(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		addr   string
		ok     bool
	}{
		{"public from public", "8.8.8.8", "1.2.3.4", true},
		{"loopback from loopback", "127.0.0.1", "127.0.0.1", true},
		{"loopback from public", "8.8.8.8", "127.0.0.1", false},
		{"lan from lan", "192.168.1.5", "192.168.1.9", true},
		{"lan from public", "8.8.8.8", "192.168.1.9", false},
		{"multicast", "8.8.8.8", "224.0.0.1", false},
		{"unspecified", "8.8.8.8", "0.0.0.0", false},
	}

	for _, tt := range tests {
		err := CheckRelayIP(net.ParseIP(tt.sender), net.ParseIP(tt.addr))
		if (err == nil) != tt.ok {
			t.Errorf("%s: CheckRelayIP(%s, %s) = %v, want ok=%v",
				tt.name, tt.sender, tt.addr, err, tt.ok)
		}
	}
}

func TestSubnetKey(t *testing.T) {
	a := SubnetKey(net.ParseIP("192.168.1.5"))
	b := SubnetKey(net.ParseIP("192.168.1.200"))
	c := SubnetKey(net.ParseIP("192.168.2.5"))

	if a != b {
		t.Errorf("same /24 should share a key: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different /24 should not share a key: %s", a)
	}

	v6a := SubnetKey(net.ParseIP("2001:db8:1:2::1"))
	v6b := SubnetKey(net.ParseIP("2001:db8:1:2::ffff"))
	v6c := SubnetKey(net.ParseIP("2001:db8:1:3::1"))

	if v6a != v6b {
		t.Errorf("same /64 should share a key: %s vs %s", v6a, v6b)
	}
	if v6a == v6c {
		t.Errorf("different /64 should not share a key: %s", v6a)
	}
}
