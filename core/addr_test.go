package core

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIpv6KeyPredicates(t *testing.T) {
	tests := []struct {
		addr      string
		multicast bool
		linkLocal bool
		scope     uint8
	}{
		{"fe80::1", false, true, SCOPE_LINK_LOCAL},
		{"ff02::1", true, false, SCOPE_LINK_LOCAL},
		{"ff05::2", true, false, SCOPE_SITE_LOCAL},
		{"ff0e::101", true, false, SCOPE_GLOBAL},
		{"2001:db8::1", false, false, SCOPE_GLOBAL},
		{"fec0::1", false, false, SCOPE_SITE_LOCAL},
		{"::1", false, false, SCOPE_INTERFACE_LOCAL},
	}
	for _, tc := range tests {
		k := NewIpv6Key(tc.addr)
		if k.IsMulticast() != tc.multicast {
			t.Errorf("%s multicast %v", tc.addr, k.IsMulticast())
		}
		if k.IsLinkLocal() != tc.linkLocal {
			t.Errorf("%s link local %v", tc.addr, k.IsLinkLocal())
		}
		if k.Scope() != tc.scope {
			t.Errorf("%s scope %d want %d", tc.addr, k.Scope(), tc.scope)
		}
	}
}

func TestIpv6KeyPrefix(t *testing.T) {
	a := NewIpv6Key("2001:db8:1:2::1")
	b := NewIpv6Key("2001:db8:1:3::1")
	if !a.IsNetEqual(&b, 47) || !a.IsNetEqual(&b, 63) {
		t.Fatalf("expected equal up to /63")
	}
	if a.IsNetEqual(&b, 64) {
		t.Fatalf("expected different /64")
	}
	if a.IsNetEqual(&b, 129) {
		t.Fatalf("bad prefix len should not match")
	}
	if n := a.CommonPrefixLen(&b); n != 63 {
		t.Fatalf("common prefix %d", n)
	}
	if n := a.CommonPrefixLen(&a); n != 128 {
		t.Fatalf("common prefix with self %d", n)
	}
	p := a.Prefix(36)
	if diff := cmp.Diff(NewIpv6Key("2001:db8::"), p); diff != "" {
		t.Fatalf("prefix /36 (-want +got):\n%s", diff)
	}
	p = a.Prefix(60)
	if p != NewIpv6Key("2001:db8:1::") {
		t.Fatalf("prefix /60 %s", p)
	}
}

func TestIpv6KeyDerived(t *testing.T) {
	a := NewIpv6Key("2001:db8::aa:bbcc:ddee")
	sn := a.SolicitedNode()
	if sn != NewIpv6Key("ff02::1:ffcc:ddee") {
		t.Fatalf("solicited node %s", sn)
	}
	if mac := sn.MulticastMac(); mac != (MACKey{0x33, 0x33, 0xff, 0xcc, 0xdd, 0xee}) {
		t.Fatalf("multicast mac %s", mac)
	}
	ll := LinkLocalFromMac(MACKey{0, 0x11, 0x22, 0x33, 0x44, 0x55})
	if ll != NewIpv6Key("fe80::211:22ff:fe33:4455") {
		t.Fatalf("link local %s", ll)
	}
}

func TestIpv6KeyText(t *testing.T) {
	var k Ipv6Key
	if err := k.UnmarshalText([]byte("2001:db8::5")); err != nil {
		t.Fatal(err)
	}
	b, _ := k.MarshalText()
	if string(b) != "2001:db8::5" {
		t.Fatalf("got %s", b)
	}
	if err := k.UnmarshalText([]byte("10.0.0.1")); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("ipv4 should be rejected, got %v", err)
	}
	var m MACKey
	if err := m.UnmarshalText([]byte("00:11:22:33:44:55")); err != nil {
		t.Fatal(err)
	}
	if m.String() != "00:11:22:33:44:55" || m.Uint64() != 0x001122334455 {
		t.Fatalf("mac %s", m)
	}
	var m2 MACKey
	m2.SetUint64(m.Uint64())
	if m2 != m {
		t.Fatalf("SetUint64 %s", m2)
	}
}
