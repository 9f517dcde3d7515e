package ipv6

import (
	"testing"

	"emu6/core"
)

type protoSet map[uint8]bool

func (o protoSet) IsProtocolRegistered(proto uint8) bool {
	return o[proto]
}

// padded option header: next header, len 0, PadN 4
func optHdr(nh uint8) []byte {
	return []byte{nh, 0, IP6_OPTION_PADN, 4, 0, 0, 0, 0}
}

func TestValidateChain(t *testing.T) {
	dst := k("2001:db8::1")
	var exts []byte
	exts = append(exts, optHdr(IP6_ROUTING)...)
	exts = append(exts, IP6_DESTINATION, 0, 0, 0, 0, 0, 0, 0) /* segments left 0 */
	exts = append(exts, optHdr(IP6_UDP)...)
	exts = append(exts, make([]byte, 8)...)

	info, ierr, ok := ValidateExtHdrs(nil, &dst, IP6_HOP_BY_HOP, exts, true)
	if !ok || ierr != nil {
		t.Fatalf("chain rejected %+v", ierr)
	}
	if info.LastHeader != IP6_UDP || info.ExtLen != 24 || info.Fragmented {
		t.Fatalf("info %+v", info)
	}
}

func TestValidateTable(t *testing.T) {
	dst := k("2001:db8::1")
	mdst := k("ff02::1")

	tests := []struct {
		name    string
		nh      uint8
		exts    []byte
		dst     *core.Ipv6Key
		ok      bool
		icmp    bool
		code    uint8
		pointer uint32
	}{
		{
			name: "three destination options",
			nh:   IP6_DESTINATION,
			exts: append(append(optHdr(IP6_DESTINATION), optHdr(IP6_DESTINATION)...), optHdr(IP6_UDP)...),
			dst:  &dst,
		},
		{
			name: "two destination options",
			nh:   IP6_DESTINATION,
			exts: append(optHdr(IP6_DESTINATION), optHdr(IP6_NO_NEXT_HEADER)...),
			dst:  &dst,
			ok:   true,
		},
		{
			name:    "hop by hop not first",
			nh:      IP6_DESTINATION,
			exts:    append(optHdr(IP6_HOP_BY_HOP), optHdr(IP6_UDP)...),
			dst:     &dst,
			icmp:    true,
			code:    ICMP_V6_UNRECOGNIZE_NEXT_HDR,
			pointer: 48,
		},
		{
			name:    "routing segments left",
			nh:      IP6_ROUTING,
			exts:    []byte{IP6_UDP, 0, 0, 2, 0, 0, 0, 0},
			dst:     &dst,
			icmp:    true,
			code:    ICMP_V6_ERRONEOUS_HEADER,
			pointer: 43,
		},
		{
			name:    "unknown next header first",
			nh:      200,
			dst:     &dst,
			icmp:    true,
			code:    ICMP_V6_UNRECOGNIZE_NEXT_HDR,
			pointer: 6,
		},
		{
			name:    "unknown next header after destination",
			nh:      IP6_DESTINATION,
			exts:    optHdr(200),
			dst:     &dst,
			icmp:    true,
			code:    ICMP_V6_UNRECOGNIZE_NEXT_HDR,
			pointer: 40,
		},
		{
			name: "unknown option skip",
			nh:   IP6_DESTINATION,
			exts: []byte{IP6_UDP, 0, 0x1e, 4, 0, 0, 0, 0},
			dst:  &dst,
			ok:   true,
		},
		{
			name: "unknown option discard",
			nh:   IP6_DESTINATION,
			exts: []byte{IP6_UDP, 0, 0x5e, 4, 0, 0, 0, 0},
			dst:  &dst,
		},
		{
			name:    "unknown option icmp",
			nh:      IP6_DESTINATION,
			exts:    []byte{IP6_UDP, 0, 0x9e, 4, 0, 0, 0, 0},
			dst:     &mdst,
			icmp:    true,
			code:    ICMP_V6_UNRECOGNIZE_OPTION,
			pointer: 42,
		},
		{
			name:    "unknown option icmp not multicast",
			nh:      IP6_DESTINATION,
			exts:    []byte{IP6_UDP, 0, 1, 0, 0xde, 2, 0, 0},
			dst:     &dst,
			icmp:    true,
			code:    ICMP_V6_UNRECOGNIZE_OPTION,
			pointer: 44,
		},
		{
			name: "unknown option icmp not multicast to multicast",
			nh:   IP6_DESTINATION,
			exts: []byte{IP6_UDP, 0, 0xde, 4, 0, 0, 0, 0},
			dst:  &mdst,
		},
		{
			name: "two authentication headers",
			nh:   IP6_AH,
			exts: append([]byte{IP6_AH, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, []byte{IP6_UDP, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}...),
			dst:  &dst,
		},
		{
			name:    "fragment not multiple of 8",
			nh:      IP6_FRAGMENT,
			exts:    []byte{IP6_UDP, 0, 0, 1, 0, 0, 0, 7, 1, 2, 3},
			dst:     &dst,
			icmp:    true,
			code:    ICMP_V6_ERRONEOUS_HEADER,
			pointer: 4,
		},
		{
			name: "truncated header",
			nh:   IP6_DESTINATION,
			exts: []byte{IP6_UDP, 1, 0, 0},
			dst:  &dst,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ierr, ok := ValidateExtHdrs(nil, tc.dst, tc.nh, tc.exts, true)
			if ok != tc.ok {
				t.Fatalf("ok %v", ok)
			}
			if (ierr != nil) != tc.icmp {
				t.Fatalf("icmp %+v", ierr)
			}
			if ierr == nil {
				return
			}
			if ierr.Type != ICMP_V6_PARAMETER_PROBLEM || ierr.Code != tc.code || ierr.Pointer != tc.pointer {
				t.Fatalf("icmp %+v want code %d pointer %d", ierr, tc.code, tc.pointer)
			}
		})
	}
}

func TestValidateRegisteredProtocol(t *testing.T) {
	dst := k("2001:db8::1")
	if _, _, ok := ValidateExtHdrs(nil, &dst, 200, nil, true); ok {
		t.Fatalf("unregistered protocol accepted")
	}
	info, _, ok := ValidateExtHdrs(protoSet{200: true}, &dst, 200, nil, true)
	if !ok || info.LastHeader != 200 {
		t.Fatalf("registered protocol %v %+v", ok, info)
	}
}

func TestValidateTxNoIcmp(t *testing.T) {
	dst := k("2001:db8::1")
	exts := append(optHdr(IP6_HOP_BY_HOP), optHdr(IP6_UDP)...)
	_, ierr, ok := ValidateExtHdrs(nil, &dst, IP6_DESTINATION, exts, false)
	if ok || ierr != nil {
		t.Fatalf("tx validation %v %+v", ok, ierr)
	}
}

func TestValidateFragmentStops(t *testing.T) {
	dst := k("2001:db8::1")
	exts := optHdr(IP6_FRAGMENT)
	exts = append(exts, IP6_UDP, 0, 0, 0, 0, 0, 0, 9)
	exts = append(exts, make([]byte, 16)...)
	info, _, ok := ValidateExtHdrs(nil, &dst, IP6_HOP_BY_HOP, exts, true)
	if !ok {
		t.Fatalf("rejected")
	}
	if !info.Fragmented || info.FormerNhOffset != 40 || info.FragmentOffset != 48 || info.ExtLen != 16 || info.UnfragmentLen != 8 {
		t.Fatalf("info %+v", info)
	}
}
