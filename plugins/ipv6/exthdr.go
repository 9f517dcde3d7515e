package ipv6

import (
	"emu6/core"
)

// IcmpErrorSpec an icmp error the caller should send about the packet, Pointer is
// relative to the start of the basic header
type IcmpErrorSpec struct {
	Type    uint8
	Code    uint8
	Pointer uint32
}

// ExtHdrInfo result of the extension header walk
type ExtHdrInfo struct {
	LastHeader     uint8  /* terminal upper layer protocol */
	ExtLen         uint32 /* bytes of recognized extension headers */
	UnfragmentLen  uint32 /* bytes of extension headers before the first fragment header */
	Fragmented     bool
	FormerNhOffset uint32 /* offset of the next header field that points to the fragment header */
	FragmentOffset uint32 /* offset of the fragment header, valid when Fragmented */
	RouterAlert    bool
}

// ProtocolRegistry tells the validator which protocols have a local listener
type ProtocolRegistry interface {
	IsProtocolRegistered(proto uint8) bool
}

func paramProblem(code uint8, pointer uint32) *IcmpErrorSpec {
	return &IcmpErrorSpec{Type: ICMP_V6_PARAMETER_PROBLEM, Code: code, Pointer: pointer}
}

// validateOptions walk the options of a hop by hop or destination header.
// base is the offset of the options relative to the basic header
func validateOptions(opts []byte, base uint32, dstMulticast bool, rcvd bool, info *ExtHdrInfo) (*IcmpErrorSpec, bool) {
	o := 0
	for o < len(opts) {
		t := opts[o]
		if t == IP6_OPTION_PAD1 {
			o++
			continue
		}
		if o+2 > len(opts) {
			return nil, false
		}
		l := int(opts[o+1])
		if o+2+l > len(opts) {
			return nil, false
		}
		switch t {
		case IP6_OPTION_PADN:
		case IP6_OPTION_ROUTER_ALERT:
			if l != 2 {
				return nil, false
			}
			info.RouterAlert = true
		default:
			switch t & IP6_OPTION_MASK {
			case IP6_OPTION_SKIP:
			case IP6_OPTION_DISCARD:
				return nil, false
			case IP6_OPTION_PARAMETER:
				if rcvd {
					return paramProblem(ICMP_V6_UNRECOGNIZE_OPTION, base+uint32(o)), false
				}
				return nil, false
			default:
				if rcvd && !dstMulticast {
					return paramProblem(ICMP_V6_UNRECOGNIZE_OPTION, base+uint32(o)), false
				}
				return nil, false
			}
		}
		o += 2 + l
	}
	return nil, true
}

/*
ValidateExtHdrs walk the extension headers that start with nextHeader.

On rx exts is the whole payload of the packet, the walk stops at the terminal header
or at a fragment header (the rest is validated again after reassembly). On tx exts
holds only the extension headers. Errors that should be reported return an IcmpErrorSpec,
the validator does not send anything.
*/
func ValidateExtHdrs(reg ProtocolRegistry, dst *core.Ipv6Key, nextHeader uint8, exts []byte, rcvd bool) (ExtHdrInfo, *IcmpErrorSpec, bool) {
	var info ExtHdrInfo
	var destCnt, ahCnt int
	dstMulticast := dst.IsMulticast()
	nh := nextHeader
	p := uint32(0)
	prevNh := uint32(6) /* next header field of the basic header */
	n := uint32(len(exts))
	fragSeen := false

	for {
		if !isExtHeader(nh) {
			if isKnownUpperLayer(nh) || (reg != nil && reg.IsProtocolRegistered(nh)) {
				break
			}
			if rcvd {
				if p == 0 {
					return info, paramProblem(ICMP_V6_UNRECOGNIZE_NEXT_HDR, 6), false
				}
				return info, paramProblem(ICMP_V6_UNRECOGNIZE_NEXT_HDR, prevNh), false
			}
			return info, nil, false
		}

		if p+2 > n {
			return info, nil, false
		}
		var hlen uint32
		switch nh {
		case IP6_HOP_BY_HOP:
			if p != 0 {
				if rcvd {
					return info, paramProblem(ICMP_V6_UNRECOGNIZE_NEXT_HDR, IP6_HEADER_LEN+p), false
				}
				return info, nil, false
			}
			hlen = (uint32(exts[p+1]) + 1) * 8
			if p+hlen > n {
				return info, nil, false
			}
			if e, ok := validateOptions(exts[p+2:p+hlen], IP6_HEADER_LEN+p+2, dstMulticast, rcvd, &info); !ok {
				return info, e, false
			}

		case IP6_DESTINATION:
			destCnt++
			if destCnt > 2 {
				return info, nil, false
			}
			hlen = (uint32(exts[p+1]) + 1) * 8
			if p+hlen > n {
				return info, nil, false
			}
			if e, ok := validateOptions(exts[p+2:p+hlen], IP6_HEADER_LEN+p+2, dstMulticast, rcvd, &info); !ok {
				return info, e, false
			}

		case IP6_ROUTING:
			hlen = (uint32(exts[p+1]) + 1) * 8
			if p+hlen > n || hlen < 8 {
				return info, nil, false
			}
			if exts[p+3] != 0 {
				/* segments left */
				if rcvd {
					return info, paramProblem(ICMP_V6_ERRONEOUS_HEADER, IP6_HEADER_LEN+p+3), false
				}
				return info, nil, false
			}

		case IP6_FRAGMENT:
			hlen = IP6_FRAGMENT_HDR_LEN
			if p+hlen > n {
				return info, nil, false
			}
			fh := FragmentHeader(exts[p : p+hlen])
			if rcvd && fh.More() && (n-(p+hlen))%8 != 0 {
				return info, paramProblem(ICMP_V6_ERRONEOUS_HEADER, 4), false
			}
			/* cumulative count, not the position relative to the fragment header */
			if ahCnt > 1 {
				return info, nil, false
			}
			if !fragSeen {
				fragSeen = true
				info.Fragmented = true
				info.FormerNhOffset = prevNh
				info.FragmentOffset = IP6_HEADER_LEN + p
				info.UnfragmentLen = p
			}
			if rcvd {
				info.LastHeader = IP6_FRAGMENT
				info.ExtLen = p + hlen
				return info, nil, true
			}

		case IP6_AH:
			ahCnt++
			if ahCnt > 1 {
				return info, nil, false
			}
			hlen = (uint32(exts[p+1]) + 2) * 4
			if p+hlen > n {
				return info, nil, false
			}
		}

		prevNh = IP6_HEADER_LEN + p
		nh = exts[p]
		p += hlen
	}

	info.LastHeader = nh
	info.ExtLen = p
	if !fragSeen {
		info.UnfragmentLen = p
	}
	return info, nil, true
}

// skipExtHdrs return the terminal protocol and its offset in pkt without validation,
// ok is false for non first fragments and truncated chains
func skipExtHdrs(pkt []byte) (proto uint8, off uint32, ok bool) {
	if len(pkt) < IP6_HEADER_LEN {
		return 0, 0, false
	}
	nh := pkt[6]
	p := uint32(IP6_HEADER_LEN)
	n := uint32(len(pkt))
	for isExtHeader(nh) {
		if p+8 > n {
			return 0, 0, false
		}
		var hlen uint32
		switch nh {
		case IP6_FRAGMENT:
			if FragmentHeader(pkt[p:p+8]).Offset() != 0 {
				return 0, 0, false
			}
			hlen = 8
		case IP6_AH:
			hlen = (uint32(pkt[p+1]) + 2) * 4
		default:
			hlen = (uint32(pkt[p+1]) + 1) * 8
		}
		nh = pkt[p]
		p += hlen
	}
	if p > n {
		return 0, 0, false
	}
	return nh, p, true
}
