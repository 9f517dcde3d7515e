package ipv6

import (
	"encoding/binary"
	"fmt"

	"emu6/core"

	"golang.org/x/net/icmp"
	xipv6 "golang.org/x/net/ipv6"
)

// NdHook get the neighbor discovery and router messages, msg is the icmp message
type NdHook interface {
	HandleNd(ifc *Ip6Interface, hdr *Ip6Header, msg []byte)
}

type icmpStats struct {
	rxMsgs         uint64
	rxTooShort     uint64
	rxBadChecksum  uint64
	rxEchoRequest  uint64
	txEchoReply    uint64
	rxErrors       uint64
	rxPacketTooBig uint64
	rxNd           uint64
	txErrors       uint64
	txSuppressed   uint64
}

func newIcmpStatsDb(o *icmpStats) *core.CCounterDb {
	db := core.NewCCounterDb("icmpv6")
	db.AddUint64(&o.rxMsgs, "rxMsgs", "icmp messages received", core.ScINFO)
	db.AddUint64(&o.rxTooShort, "rxTooShort", "message too short", core.ScERROR)
	db.AddUint64(&o.rxBadChecksum, "rxBadChecksum", "bad checksum", core.ScERROR)
	db.AddUint64(&o.rxEchoRequest, "rxEchoRequest", "echo requests", core.ScINFO)
	db.AddUint64(&o.txEchoReply, "txEchoReply", "echo replies", core.ScINFO)
	db.AddUint64(&o.rxErrors, "rxErrors", "error messages received", core.ScINFO)
	db.AddUint64(&o.rxPacketTooBig, "rxPacketTooBig", "packet too big received", core.ScINFO)
	db.AddUint64(&o.rxNd, "rxNd", "neighbor discovery messages", core.ScINFO)
	db.AddUint64(&o.txErrors, "txErrors", "error messages sent", core.ScINFO)
	db.AddUint64(&o.txSuppressed, "txSuppressed", "error messages not sent", core.ScINFO)
	return db
}

// sendIcmp marshal msg with the checksum and send it
func (o *Ip6Service) sendIcmp(ifc *Ip6Interface, src, dst core.Ipv6Key, hopLimit uint8, msg *icmp.Message) error {
	b, err := msg.Marshal(icmp.IPv6PseudoHeader(src.ToIP(), dst.ToIP()))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
	}
	hdr := Ip6Header{
		NextHeader: IP6_ICMP,
		HopLimit:   hopLimit,
		Src:        src,
		Dst:        dst,
	}
	return o.Output(ifc, &hdr, nil, b, nil)
}

func (o *Ip6Service) icmpErrorCb(ifc *Ip6Interface, invoking []byte, icmpType, code uint8, pointer uint32) {
	if err := o.SendIcmpError(ifc, invoking, icmpType, code, pointer); err != nil {
		log.Debugf("icmp error %d/%d not sent: %v", icmpType, code, err)
	}
}

/*
SendIcmpError report a problem with the invoking packet to its source. Nothing is sent
about an icmp error, to a multicast or unspecified source, or about a packet sent to a
multicast address (packet too big and unrecognized option are the exceptions). The
invoking packet is truncated so the error fits the minimum mtu.
*/
func (o *Ip6Service) SendIcmpError(ifc *Ip6Interface, invoking []byte, icmpType, code uint8, pointer uint32) error {
	if len(invoking) < IP6_HEADER_LEN {
		return fmt.Errorf("%w: invoking packet", core.ErrInvalidParameter)
	}
	src := ip6Src(invoking)
	dst := ip6Dst(invoking)
	if src.IsMulticast() || src.IsUnspecified() {
		o.icmp.txSuppressed++
		return nil
	}
	if dst.IsMulticast() && icmpType != ICMP_V6_PACKET_TOO_BIG &&
		!(icmpType == ICMP_V6_PARAMETER_PROBLEM && code == ICMP_V6_UNRECOGNIZE_OPTION) {
		o.icmp.txSuppressed++
		return nil
	}
	if proto, off, ok := skipExtHdrs(invoking); ok && proto == IP6_ICMP && int(off) < len(invoking) && isIcmpError(invoking[off]) {
		o.icmp.txSuppressed++
		return nil
	}

	data := invoking
	maxData := IP6_ICMP_ERROR_MAX_SIZE - IP6_HEADER_LEN - 8
	if len(data) > maxData {
		data = data[:maxData]
	}

	var body icmp.MessageBody
	switch icmpType {
	case ICMP_V6_PARAMETER_PROBLEM:
		body = &icmp.ParamProb{Pointer: uintptr(pointer), Data: data}
	case ICMP_V6_PACKET_TOO_BIG:
		body = &icmp.PacketTooBig{MTU: int(pointer), Data: data}
	case ICMP_V6_TIME_EXCEEDED:
		body = &icmp.TimeExceeded{Data: data}
	case ICMP_V6_DEST_UNREACHABLE:
		body = &icmp.DstUnreach{Data: data}
	default:
		return fmt.Errorf("%w: icmp type %d is not an error", core.ErrInvalidParameter, icmpType)
	}

	var from core.Ipv6Key
	if !dst.IsMulticast() && ifc.IsLocal(&dst) {
		from = dst
	} else {
		var err error
		if from, err = o.selectSource(ifc, &src); err != nil {
			return err
		}
	}
	msg := &icmp.Message{Type: xipv6.ICMPType(icmpType), Code: int(code), Body: body}
	if err := o.sendIcmp(ifc, from, src, 0, msg); err != nil {
		return err
	}
	o.icmp.txErrors++
	return nil
}

// icmpInput handle the messages of the engine, return false when the packet should be dropped
func (o *Ip6Service) icmpInput(ifc *Ip6Interface, hdr *Ip6Header, info *ExtHdrInfo, upper []byte, cast castType) bool {
	o.icmp.rxMsgs++
	if len(upper) < 4 {
		o.icmp.rxTooShort++
		return false
	}
	if !verifyChecksum(&hdr.Src, &hdr.Dst, IP6_ICMP, upper) {
		o.icmp.rxBadChecksum++
		return false
	}
	t := upper[0]
	switch t {
	case ICMP_V6_ECHO_REQUEST:
		o.icmp.rxEchoRequest++
		if cast != CAST_PROMISCUOUS {
			o.echoReply(ifc, hdr, upper)
		}
	case ICMP_V6_LISTENER_QUERY, ICMP_V6_LISTENER_REPORT, ICMP_V6_LISTENER_DONE:
		ifc.mld.input(hdr, info, upper)
	case ICMP_V6_ROUTER_SOLICIT, ICMP_V6_ROUTER_ADVERTISE, ICMP_V6_NEIGHBOR_SOLICIT,
		ICMP_V6_NEIGHBOR_ADVERTISE, ICMP_V6_REDIRECT:
		o.icmp.rxNd++
		if o.ndHook != nil {
			o.ndHook.HandleNd(ifc, hdr, upper)
		}
	case ICMP_V6_PACKET_TOO_BIG:
		o.icmp.rxErrors++
		o.icmp.rxPacketTooBig++
		o.packetTooBig(upper)
	default:
		if isIcmpError(t) {
			o.icmp.rxErrors++
		}
	}
	return true
}

func (o *Ip6Service) packetTooBig(upper []byte) {
	m, err := icmp.ParseMessage(IP6_ICMP, upper)
	if err != nil {
		o.icmp.rxTooShort++
		return
	}
	ptb, ok := m.Body.(*icmp.PacketTooBig)
	if !ok || len(ptb.Data) < IP6_HEADER_LEN {
		o.icmp.rxTooShort++
		return
	}
	/* the invoking packet was sent by us */
	src := ip6Src(ptb.Data)
	dst := ip6Dst(ptb.Data)
	if dst.IsMulticast() {
		return
	}
	if err := o.routes.SetPathMtu(dst, src, uint32(ptb.MTU)); err != nil {
		log.Debugf("packet too big for %s: %v", dst, err)
		return
	}
	log.Debugf("path mtu of %s is %d", dst, ptb.MTU)
}

// echoReply answer an echo request, the request destination is the source when it is local
func (o *Ip6Service) echoReply(ifc *Ip6Interface, hdr *Ip6Header, upper []byte) {
	if len(upper) < 8 {
		o.icmp.rxTooShort++
		return
	}
	var src core.Ipv6Key
	if !hdr.Dst.IsMulticast() && ifc.IsLocal(&hdr.Dst) {
		src = hdr.Dst
	} else {
		var err error
		if src, err = o.selectSource(ifc, &hdr.Src); err != nil {
			return
		}
	}
	msg := &icmp.Message{
		Type: xipv6.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(binary.BigEndian.Uint16(upper[4:6])),
			Seq:  int(binary.BigEndian.Uint16(upper[6:8])),
			Data: upper[8:],
		},
	}
	if err := o.sendIcmp(ifc, src, hdr.Src, 0, msg); err != nil {
		log.Debugf("echo reply to %s: %v", hdr.Src, err)
		return
	}
	o.icmp.txEchoReply++
}

// icmpInvokingProtocol the upper layer protocol of the packet inside an icmp error
func icmpInvokingProtocol(upper []byte) (uint8, bool) {
	if len(upper) < 8+IP6_HEADER_LEN {
		return 0, false
	}
	proto, _, ok := skipExtHdrs(upper[8:])
	return proto, ok
}
