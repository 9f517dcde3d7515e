package ipv6

import (
	"encoding/binary"
	"fmt"

	"emu6/core"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// TxToken tracks an asynchronous transmit. Done runs from the deferred queue once every
// frame of the datagram was handed to the link, or with the error that stopped it
type TxToken struct {
	Done    func(err error)
	Status  error
	tag     uint64
	pending int
	active  bool
}

// Tag the logical tag shared by the frames of the datagram
func (o *TxToken) Tag() uint64 {
	return o.tag
}

func (o *TxToken) IsActive() bool {
	return o.active
}

type IpSecDirection uint8

const (
	IPSEC_OUTBOUND IpSecDirection = iota
	IPSEC_INBOUND
)

type IpSecAction uint8

const (
	IPSEC_BYPASS IpSecAction = iota
	IPSEC_DROP
	IPSEC_TRANSFORMED
)

// IpSecHook transform the packets, hdr can be changed in place. The returned exts and
// payload are used only with IPSEC_TRANSFORMED
type IpSecHook interface {
	ProcessPacket(dir IpSecDirection, hdr *Ip6Header, exts []byte, payload []byte) (IpSecAction, []byte, []byte)
}

func pseudoHeaderSum(src, dst *core.Ipv6Key, proto uint8, length uint32) uint16 {
	var b [40]byte
	copy(b[0:16], src[:])
	copy(b[16:32], dst[:])
	binary.BigEndian.PutUint32(b[32:36], length)
	b[39] = proto
	return checksum.Checksum(b[:], 0)
}

// upperChecksumOffset offset of the checksum field in the upper layer header, -1 if none
func upperChecksumOffset(proto uint8) int {
	switch proto {
	case IP6_UDP:
		return 6
	case IP6_TCP:
		return 16
	case IP6_ICMP:
		return 2
	}
	return -1
}

// fillChecksum compute the upper layer checksum when the transport left it zero,
// return the payload to send (a copy when it was changed)
func fillChecksum(src, dst *core.Ipv6Key, proto uint8, payload []byte) []byte {
	off := upperChecksumOffset(proto)
	if off < 0 || len(payload) < off+2 {
		return payload
	}
	if payload[off] != 0 || payload[off+1] != 0 {
		return payload
	}
	p := append([]byte(nil), payload...)
	xsum := ^checksum.Checksum(p, pseudoHeaderSum(src, dst, proto, uint32(len(p))))
	if xsum == 0 && proto == IP6_UDP {
		xsum = 0xffff
	}
	checksum.Put(p[off:], xsum)
	return p
}

// verifyChecksum check the upper layer checksum of a received message
func verifyChecksum(src, dst *core.Ipv6Key, proto uint8, msg []byte) bool {
	return checksum.Checksum(msg, pseudoHeaderSum(src, dst, proto, uint32(len(msg)))) == 0xffff
}

// selectInterface when the caller did not give one
func (o *Ip6Service) selectInterface(src, dst *core.Ipv6Key) (*Ip6Interface, error) {
	if len(o.interfaces) == 0 {
		return nil, fmt.Errorf("%w: no interface", core.ErrNoMapping)
	}
	if !src.IsUnspecified() {
		for _, ifc := range o.interfaces {
			if ifc.IsLocal(src) {
				return ifc, nil
			}
		}
		return nil, fmt.Errorf("%w: %s is not a local address", core.ErrNoMapping, *src)
	}
	if len(o.interfaces) == 1 {
		return o.interfaces[0], nil
	}
	if dst.IsMulticast() || dst.IsLinkLocal() {
		return nil, fmt.Errorf("%w: %s needs an interface", core.ErrNoMapping, *dst)
	}
	if ifc, ok := o.onlink.Lookup(dst.Addr()); ok {
		return ifc, nil
	}
	if e := o.routes.FindRouteEntry(dst, nil); e != nil {
		gw := e.NextHop
		e.Put()
		if ifc, ok := o.onlink.Lookup(gw.Addr()); ok {
			return ifc, nil
		}
	}
	return o.interfaces[0], nil
}

/*
selectSource choose the source address for dst on ifc

 1. dst itself when it is a local address
 2. the link local address for destinations of link scope or smaller
 3. among the other addresses, not deprecated first then the longest common prefix
*/
func (o *Ip6Service) selectSource(ifc *Ip6Interface, dst *core.Ipv6Key) (core.Ipv6Key, error) {
	if ifc.IsLocal(dst) && !dst.IsMulticast() {
		return *dst, nil
	}
	if dst.Scope() <= core.SCOPE_LINK_LOCAL {
		return ifc.LinkLocal, nil
	}
	var best *Ip6AddressInfo
	var bestLen uint8
	for i := range ifc.addrs {
		a := &ifc.addrs[i]
		if a.Address.IsLinkLocal() {
			continue
		}
		l := a.Address.CommonPrefixLen(dst)
		if best == nil ||
			(best.Deprecated && !a.Deprecated) ||
			(best.Deprecated == a.Deprecated && l > bestLen) {
			best = a
			bestLen = l
		}
	}
	if best != nil {
		return best.Address, nil
	}
	if ifc.LinkLocal.IsUnspecified() {
		return core.Ipv6Unspecified, fmt.Errorf("%w: no source address for %s", core.ErrNoMapping, *dst)
	}
	return ifc.LinkLocal, nil
}

func (o *Ip6Service) newTag() uint64 {
	o.nextTag++
	return o.nextTag
}

// cancelTag remove the frames of a logical packet from the neighbor queues and the links
func (o *Ip6Service) cancelTag(tag uint64) int {
	n := o.nd.cancel(tag)
	for _, ifc := range o.interfaces {
		n += ifc.vif.CancelTx(tag)
	}
	return n
}

func (o *Ip6Service) tokenStart(token *TxToken, tag uint64) {
	token.tag = tag
	token.pending = 0
	token.Status = nil
	token.active = true
	o.tokens[tag] = token
}

// tokenFinish the token is done, Done runs from the deferred queue
func (o *Ip6Service) tokenFinish(token *TxToken, err error) {
	if !token.active {
		return
	}
	token.active = false
	token.Status = err
	delete(o.tokens, token.tag)
	if token.Done != nil {
		done := token.Done
		o.tctx.QueueDpc(func() { done(err) })
	}
}

// frameSent a queued frame of tag left the neighbor queue
func (o *Ip6Service) frameSent(tag uint64, err error) {
	token := o.tokens[tag]
	if err != nil {
		o.cancelTag(tag)
		if token != nil {
			o.tokenFinish(token, err)
		}
		return
	}
	if token == nil {
		return
	}
	token.pending--
	if token.pending <= 0 {
		o.tokenFinish(token, nil)
	}
}

// transmit one frame to nextHop, the frame waits in the neighbor cache when the link
// address is not known
func (o *Ip6Service) transmit(ifc *Ip6Interface, nextHop core.Ipv6Key, m *core.Mbuf, tag uint64, token *TxToken) error {
	if nextHop.IsMulticast() {
		return ifc.vif.SendFrame(nextHop.MulticastMac(), m, tag)
	}
	e := o.nd.lookup(nextHop)
	if e == nil {
		e = o.nd.create(ifc, nextHop)
	}
	if e.state == NEIGHBOR_REACHABLE {
		return e.ifc.vif.SendFrame(e.mac, m, tag)
	}
	if err := o.nd.enqueue(e, m, tag); err != nil {
		return err
	}
	if token != nil {
		token.pending++
	}
	return nil
}

// loopback deliver a datagram sent to a local address through the input path
func (o *Ip6Service) loopback(ifc *Ip6Interface, m *core.Mbuf) {
	o.stats.txLoopback++
	o.tctx.QueueDpc(func() {
		o.input(ifc.vif, m)
	})
}

/*
Output send a datagram. hdr gives the addresses and the first next header, exts the
extension headers (without a fragment header) and payload the upper layer data.

The interface and the source are selected when not given, the upper layer checksum is
computed when it is zero and the datagram is fragmented when it does not fit the path
mtu. With a token the frames that wait for the neighbor resolution complete it later,
the token can be canceled with CancelTx.
*/
func (o *Ip6Service) Output(ifc *Ip6Interface, hdr *Ip6Header, exts []byte, payload []byte, token *TxToken) error {
	if token != nil && token.active {
		return fmt.Errorf("%w: token is in use", core.ErrAccessDenied)
	}
	h := *hdr
	if h.Dst.IsUnspecified() || h.Src.IsMulticast() {
		return fmt.Errorf("%w: dst %s src %s", core.ErrInvalidParameter, h.Dst, h.Src)
	}
	if len(exts)+len(payload) > IP6_MAX_PAYLOAD {
		o.stats.txErr++
		return fmt.Errorf("%w: payload %d", core.ErrBadBufferSize, len(exts)+len(payload))
	}
	info, _, ok := ValidateExtHdrs(o, &h.Dst, h.NextHeader, exts, false)
	if !ok || info.Fragmented {
		o.stats.txErr++
		return fmt.Errorf("%w: extension headers", core.ErrInvalidParameter)
	}

	var err error
	if ifc == nil {
		if ifc, err = o.selectInterface(&h.Src, &h.Dst); err != nil {
			o.stats.txErr++
			return err
		}
	}
	if h.Src.IsUnspecified() {
		if h.Src, err = o.selectSource(ifc, &h.Dst); err != nil {
			o.stats.txErr++
			return err
		}
	} else if !ifc.IsLocal(&h.Src) {
		o.stats.txErr++
		return fmt.Errorf("%w: %s is not an address of %s", core.ErrNoMapping, h.Src, ifc.Name)
	}

	var nextHop core.Ipv6Key
	var rc *RouteCacheEntry
	local := false
	if h.Dst.IsMulticast() {
		nextHop = h.Dst
	} else if e := o.nd.lookup(h.Dst); e != nil && e.ifc == ifc {
		nextHop = h.Dst
		rc = o.routes.lookupCache(&h.Dst, &h.Src)
	} else if ifc.IsLocal(&h.Dst) {
		local = true
	} else if h.Dst.IsLinkLocal() {
		nextHop = h.Dst
	} else {
		if rc, err = o.routes.Route(h.Dst, h.Src); err != nil {
			o.stats.txNoRoute++
			return err
		}
		defer rc.Put()
		nextHop = rc.NextHop
	}

	if h.HopLimit == 0 {
		h.HopLimit = o.hopLimit
	}
	payload = fillChecksum(&h.Src, &h.Dst, info.LastHeader, payload)

	if o.ipsec != nil {
		action, e, p := o.ipsec.ProcessPacket(IPSEC_OUTBOUND, &h, exts, payload)
		switch action {
		case IPSEC_DROP:
			o.stats.txIpsecDrop++
			return fmt.Errorf("%w: dropped by ipsec", core.ErrAccessDenied)
		case IPSEC_TRANSFORMED:
			exts, payload = e, p
			if len(exts)+len(payload) > IP6_MAX_PAYLOAD {
				o.stats.txErr++
				return fmt.Errorf("%w: payload %d after ipsec", core.ErrBadBufferSize, len(exts)+len(payload))
			}
			if info, _, ok = ValidateExtHdrs(o, &h.Dst, h.NextHeader, exts, false); !ok || info.Fragmented {
				o.stats.txErr++
				return fmt.Errorf("%w: extension headers after ipsec", core.ErrInvalidParameter)
			}
		}
	}

	h.PayloadLen = uint16(len(exts) + len(payload))
	var hb [IP6_HEADER_LEN]byte
	h.Encode(hb[:])

	mtu := ifc.Mtu()
	force := false
	if rc != nil {
		if rc.PathMtu != 0 && rc.PathMtu < mtu {
			mtu = rc.PathMtu
		}
		force = rc.ForceFragment
	}

	tag := o.newTag()
	var frames []*core.Mbuf
	if IP6_HEADER_LEN+uint32(len(exts)+len(payload)) > mtu || force {
		id := o.fragId
		o.fragId++
		frames, err = fragmentDatagram(o.tctx.MPool, hb[:], exts, payload, &info, mtu, id)
		if err != nil {
			o.stats.txErr++
			return err
		}
		o.stats.txFragDatagrams++
		o.stats.txFrags += uint64(len(frames))
	} else {
		m, err := o.tctx.MPool.Alloc(IP6_HEADER_LEN + uint32(len(exts)+len(payload)))
		if err != nil {
			o.stats.txErr++
			return err
		}
		m.Append(hb[:])
		m.Append(exts)
		m.Append(payload)
		frames = []*core.Mbuf{m}
	}

	if local {
		for _, m := range frames {
			o.loopback(ifc, m)
		}
		if token != nil {
			o.tokenStart(token, tag)
			o.tokenFinish(token, nil)
		}
		o.stats.txPkts++
		return nil
	}

	if token != nil {
		o.tokenStart(token, tag)
	}
	for i, m := range frames {
		if err := o.transmit(ifc, nextHop, m, tag, token); err != nil {
			for _, f := range frames[i+1:] {
				f.FreeMbuf()
			}
			o.cancelTag(tag)
			if token != nil {
				token.active = false
				delete(o.tokens, tag)
			}
			o.stats.txErr++
			log.Debugf("output to %s failed after %d of %d frames: %v", h.Dst, i, len(frames), err)
			return err
		}
	}
	o.stats.txPkts++
	if token != nil && token.pending == 0 {
		o.tokenFinish(token, nil)
	}
	return nil
}

// CancelTx cancel the frames of the token that were not sent yet
func (o *Ip6Service) CancelTx(token *TxToken) error {
	if !token.active {
		return fmt.Errorf("%w: token is not active", core.ErrNotFound)
	}
	o.cancelTag(token.tag)
	o.tokenFinish(token, fmt.Errorf("%w: canceled", core.ErrAborted))
	return nil
}
