package ipv6

import (
	"emu6/core"
)

type castType uint8

const (
	CAST_UNICAST castType = iota + 1
	CAST_MULTICAST
	CAST_PROMISCUOUS /* not for us, the interface is promiscuous */
)

// RxData a packet delivered to a listener. Payload holds the upper layer data and is
// owned by the listener, Release frees it
type RxData struct {
	Header  Ip6Header
	ExtHdrs []byte
	Payload *core.Mbuf
	Ifc     *Ip6Interface
}

func (o *RxData) Release() {
	if o.Payload != nil {
		o.Payload.FreeMbuf()
		o.Payload = nil
	}
}

// classify the destination, ok is false when the packet is not for this interface
func (o *Ip6Service) classify(ifc *Ip6Interface, dst *core.Ipv6Key) (castType, bool) {
	if dst.IsMulticast() {
		if ifc.mld.IsMember(dst) {
			return CAST_MULTICAST, true
		}
	} else if ifc.IsLocal(dst) {
		return CAST_UNICAST, true
	}
	if ifc.Promiscuous {
		return CAST_PROMISCUOUS, true
	}
	return 0, false
}

// input handle a packet from the link (or the loopback), m holds the packet from the
// basic header and is owned by the call
func (o *Ip6Service) input(vif core.VethIF, m *core.Mbuf) {
	ifc := o.ifcByVif[vif]
	if ifc == nil {
		o.stats.rxNoInterface++
		m.FreeMbuf()
		return
	}
	o.stats.rxPkts++

	pkt := m.GetData()
	if len(pkt) < IP6_HEADER_LEN {
		o.stats.rxTooShort++
		m.FreeMbuf()
		return
	}
	if ip6Version(pkt) != 6 {
		o.stats.rxBadVersion++
		m.FreeMbuf()
		return
	}
	plen := uint32(ip6PayloadLen(pkt))
	if IP6_HEADER_LEN+plen > uint32(len(pkt)) {
		o.stats.rxTruncated++
		m.FreeMbuf()
		return
	}
	m.TrimTo(IP6_HEADER_LEN + plen)
	pkt = m.GetData()

	var hdr Ip6Header
	hdr.Decode(pkt)
	if hdr.Src.IsMulticast() || hdr.Src.IsLoopback() {
		o.stats.rxBadSrc++
		m.FreeMbuf()
		return
	}
	if hdr.Dst.IsUnspecified() || hdr.Dst.IsLoopback() {
		o.stats.rxBadDst++
		m.FreeMbuf()
		return
	}
	if hdr.HopLimit == 0 {
		o.stats.rxHopLimit++
		m.FreeMbuf()
		return
	}

	cast, ok := o.classify(ifc, &hdr.Dst)
	if !ok {
		o.stats.rxNotForUs++
		m.FreeMbuf()
		return
	}

	info, ierr, ok := ValidateExtHdrs(o, &hdr.Dst, hdr.NextHeader, pkt[IP6_HEADER_LEN:], true)
	if !ok {
		o.stats.rxBadExtHdr++
		if ierr != nil && cast != CAST_PROMISCUOUS {
			o.icmpErrorCb(ifc, pkt, ierr.Type, ierr.Code, ierr.Pointer)
		}
		m.FreeMbuf()
		return
	}

	if info.Fragmented {
		r := o.reasm.process(ifc, pkt, &info)
		m.FreeMbuf()
		if r == nil {
			return
		}
		var err error
		if m, err = o.tctx.MPool.AllocData(r); err != nil {
			o.stats.rxNoMbuf++
			log.Debugf("%s: reassembled datagram dropped: %v", ifc.Name, err)
			return
		}
		pkt = m.GetData()
		hdr.Decode(pkt)
		info, ierr, ok = ValidateExtHdrs(o, &hdr.Dst, hdr.NextHeader, pkt[IP6_HEADER_LEN:], true)
		if !ok || info.Fragmented {
			o.stats.rxBadExtHdr++
			if ierr != nil && cast != CAST_PROMISCUOUS {
				o.icmpErrorCb(ifc, pkt, ierr.Type, ierr.Code, ierr.Pointer)
			}
			m.FreeMbuf()
			return
		}
		o.stats.rxReassembled++
	}

	if o.ipsec != nil {
		exts := pkt[IP6_HEADER_LEN : IP6_HEADER_LEN+info.ExtLen]
		payload := pkt[IP6_HEADER_LEN+info.ExtLen:]
		action, e, p := o.ipsec.ProcessPacket(IPSEC_INBOUND, &hdr, exts, payload)
		switch action {
		case IPSEC_DROP:
			o.stats.rxIpsecDrop++
			m.FreeMbuf()
			return
		case IPSEC_TRANSFORMED:
			n, err := o.tctx.MPool.Alloc(IP6_HEADER_LEN + uint32(len(e)+len(p)))
			m.FreeMbuf()
			if err != nil {
				o.stats.rxNoMbuf++
				return
			}
			hdr.PayloadLen = uint16(len(e) + len(p))
			hdr.Encode(n.AppendSpace(IP6_HEADER_LEN))
			n.Append(e)
			n.Append(p)
			m = n
			pkt = m.GetData()
			info, _, ok = ValidateExtHdrs(o, &hdr.Dst, hdr.NextHeader, pkt[IP6_HEADER_LEN:], true)
			if !ok || info.Fragmented {
				o.stats.rxBadExtHdr++
				m.FreeMbuf()
				return
			}
		}
	}

	upper := pkt[IP6_HEADER_LEN+info.ExtLen:]
	if info.LastHeader == IP6_ICMP {
		if !o.icmpInput(ifc, &hdr, &info, upper, cast) {
			m.FreeMbuf()
			return
		}
	}
	o.deliver(ifc, &hdr, &info, m, cast)
}

/*
deliver the packet to every listener of the interface that accepts it. The first one
gets m, the others get a copy. A unicast UDP packet nobody accepts is answered with a
port unreachable.
*/
func (o *Ip6Service) deliver(ifc *Ip6Interface, hdr *Ip6Header, info *ExtHdrInfo, m *core.Mbuf, cast castType) {
	pkt := m.GetData()
	upper := pkt[IP6_HEADER_LEN+info.ExtLen:]

	var acceptors []*Ip6Instance
	for _, inst := range ifc.instances {
		if inst.accepts(hdr, info, upper, cast) {
			acceptors = append(acceptors, inst)
		}
	}
	if len(acceptors) == 0 {
		if cast == CAST_UNICAST && info.LastHeader == IP6_UDP {
			o.icmpErrorCb(ifc, pkt, ICMP_V6_DEST_UNREACHABLE, ICMP_V6_PORT_UNREACHABLE, 0)
		}
		o.stats.rxNoListener++
		m.FreeMbuf()
		return
	}

	exts := append([]byte(nil), pkt[IP6_HEADER_LEN:IP6_HEADER_LEN+info.ExtLen]...)
	bufs := make([]*core.Mbuf, len(acceptors))
	bufs[0] = m
	for i := 1; i < len(acceptors); i++ {
		c, err := m.Clone()
		if err != nil {
			o.stats.rxNoMbuf++
			acceptors = acceptors[:i]
			bufs = bufs[:i]
			break
		}
		bufs[i] = c
	}
	for i, inst := range acceptors {
		b := bufs[i]
		b.Adj(IP6_HEADER_LEN + info.ExtLen)
		rx := &RxData{Header: *hdr, ExtHdrs: exts, Payload: b, Ifc: ifc}
		inst.deliver(rx)
		o.stats.rxDelivered++
	}
}
