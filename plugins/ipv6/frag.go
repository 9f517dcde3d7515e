package ipv6

import (
	"fmt"

	"emu6/core"
)

// unfragmentablePart return the length of the extension headers that are repeated in every
// fragment (hop by hop, destination options before a routing header, routing), the offset
// of the next header field that will point to the fragment header and the value it held
func unfragmentablePart(nextHeader uint8, exts []byte) (ulen uint32, nhOff uint32, firstType uint8) {
	nhOff = 6
	firstType = nextHeader
	nh := nextHeader
	p := uint32(0)
	n := uint32(len(exts))
	for isExtHeader(nh) && p+2 <= n {
		var hlen uint32
		switch nh {
		case IP6_FRAGMENT:
			hlen = IP6_FRAGMENT_HDR_LEN
		case IP6_AH:
			hlen = (uint32(exts[p+1]) + 2) * 4
		default:
			hlen = (uint32(exts[p+1]) + 1) * 8
		}
		if (nh == IP6_HOP_BY_HOP && p == 0) || nh == IP6_ROUTING {
			ulen = p + hlen
			nhOff = IP6_HEADER_LEN + p
			firstType = exts[p]
		}
		nh = exts[p]
		p += hlen
	}
	return
}

// copyRange copy bytes [from, from+len(dst)) of the concatenation a|b
func copyRange(dst []byte, a, b []byte, from uint32) {
	if from < uint32(len(a)) {
		n := copy(dst, a[from:])
		copy(dst[n:], b)
		return
	}
	copy(dst, b[from-uint32(len(a)):])
}

/*
fragmentDatagram split a datagram into fragments that fit mtu. hdr is the encoded basic
header, exts the extension headers (no fragment header) and info their walk. Every
fragment carries the unfragmentable part and a fragment header with id. The chunk size
is the largest multiple of 8 below mtu minus the unfragmentable part and the fragment
header. A datagram that fits gives a single fragment.
*/
func fragmentDatagram(pool *core.MbufPool, hdr []byte, exts []byte, payload []byte, info *ExtHdrInfo, mtu uint32, id uint32) ([]*core.Mbuf, error) {
	ulen, nhOff, firstType := unfragmentablePart(hdr[6], exts)
	unfrag := IP6_HEADER_LEN + ulen
	fragLen := uint32(len(exts)) - ulen + uint32(len(payload))
	if fragLen == 0 {
		return nil, fmt.Errorf("%w: nothing to fragment", core.ErrInvalidParameter)
	}
	if mtu < unfrag+IP6_FRAGMENT_HDR_LEN+8+1 {
		return nil, fmt.Errorf("%w: mtu %d can't hold %d bytes of headers", core.ErrBadBufferSize, mtu, unfrag)
	}
	avail := mtu - unfrag - IP6_FRAGMENT_HDR_LEN
	chunk := (avail - 1) &^ 7
	if ((fragLen-1)/chunk)*chunk/8 > IP6_MAX_FRAG_OFFSET {
		return nil, fmt.Errorf("%w: %d bytes overflow the fragment offset", core.ErrBadBufferSize, fragLen)
	}

	fragmentable := exts[ulen:]
	var r []*core.Mbuf
	for off := uint32(0); off < fragLen; off += chunk {
		l := chunk
		more := true
		if off+l >= fragLen {
			l = fragLen - off
			more = false
		}
		size := unfrag + IP6_FRAGMENT_HDR_LEN + l
		m, err := pool.Alloc(size)
		if err != nil {
			for _, f := range r {
				f.FreeMbuf()
			}
			return nil, err
		}
		b := m.AppendSpace(size)
		copy(b, hdr[:IP6_HEADER_LEN])
		copy(b[IP6_HEADER_LEN:], exts[:ulen])
		ip6SetPayloadLen(b, uint16(size-IP6_HEADER_LEN))
		b[nhOff] = IP6_FRAGMENT
		nh := firstType
		if off > 0 {
			nh = info.LastHeader
		}
		FragmentHeader(b[unfrag:unfrag+IP6_FRAGMENT_HDR_LEN]).Set(nh, off, more, id)
		copyRange(b[unfrag+IP6_FRAGMENT_HDR_LEN:], fragmentable, payload, off)
		r = append(r, m)
	}
	return r, nil
}
