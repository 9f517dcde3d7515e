// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package ipv6

/* ipv6 engine

RFC 8200: Internet Protocol, Version 6 (IPv6) Specification
RFC 4443: Internet Control Message Protocol (ICMPv6) for the Internet Protocol Version 6 (IPv6)
RFC 2710: Multicast Listener Discovery (MLD) for IPv6

*/

import (
	"encoding/binary"
	"time"

	"emu6/core"
)

const (
	IPV6_PLUG = "ipv6"

	IP6_HEADER_LEN       = 40
	IP6_MIN_LINK_MTU     = 1280
	IP6_MAX_PAYLOAD      = 65535
	IP6_FRAGMENT_HDR_LEN = 8
	IP6_MAX_FRAG_OFFSET  = 8191 /* 13 bits, in 8 bytes units */

	/* next header values */
	IP6_HOP_BY_HOP     = 0
	IP6_TCP            = 6
	IP6_UDP            = 17
	IP6_ROUTING        = 43
	IP6_FRAGMENT       = 44
	IP6_ESP            = 50
	IP6_AH             = 51
	IP6_ICMP           = 58
	IP6_NO_NEXT_HEADER = 59
	IP6_DESTINATION    = 60

	/* options of hop by hop and destination headers */
	IP6_OPTION_PAD1         = 0
	IP6_OPTION_PADN         = 1
	IP6_OPTION_ROUTER_ALERT = 5
	IP6_OPTION_SKIP         = 0x00
	IP6_OPTION_DISCARD      = 0x40
	IP6_OPTION_PARAMETER    = 0x80
	IP6_OPTION_MASK         = 0xc0

	IP6_ROUTE_CACHE_HASH_SIZE = 31
	IP6_ROUTE_CACHE_MAX       = 64
	IP6_PREFIX_NUM            = 129

	IP6_TIMER_INTERVAL = 500 * time.Millisecond
	IP6_FRAGMENT_LIFE  = 120 /* timer ticks, 60 sec */
	IP6_MAX_ASSEMBLE   = 64  /* default live reassembly entries */

	IP6_DEFAULT_HOP_LIMIT   = 64
	IP6_NEIGHBOR_RETRANS    = 2 /* ticks between resolution requests */
	IP6_NEIGHBOR_RETRIES    = 3
	IP6_NEIGHBOR_PENDING    = 16
	IP6_UNSOLICITED_REPORT  = 10 /* sec */
	IP6_INSTANCE_RX_QUEUE   = 64
	IP6_ICMP_ERROR_MAX_SIZE = IP6_MIN_LINK_MTU
)

// ICMPv6 types and codes used by the engine
const (
	ICMP_V6_DEST_UNREACHABLE   = 1
	ICMP_V6_PACKET_TOO_BIG     = 2
	ICMP_V6_TIME_EXCEEDED      = 3
	ICMP_V6_PARAMETER_PROBLEM  = 4
	ICMP_V6_ECHO_REQUEST       = 128
	ICMP_V6_ECHO_REPLY         = 129
	ICMP_V6_LISTENER_QUERY     = 130
	ICMP_V6_LISTENER_REPORT    = 131
	ICMP_V6_LISTENER_DONE      = 132
	ICMP_V6_ROUTER_SOLICIT     = 133
	ICMP_V6_ROUTER_ADVERTISE   = 134
	ICMP_V6_NEIGHBOR_SOLICIT   = 135
	ICMP_V6_NEIGHBOR_ADVERTISE = 136
	ICMP_V6_REDIRECT           = 137

	ICMP_V6_ERRONEOUS_HEADER     = 0
	ICMP_V6_UNRECOGNIZE_NEXT_HDR = 1
	ICMP_V6_UNRECOGNIZE_OPTION   = 2

	ICMP_V6_TIMEOUT_HOP_LIMIT  = 0
	ICMP_V6_TIMEOUT_REASSEMBLE = 1

	ICMP_V6_PORT_UNREACHABLE = 4
)

// Ip6Header the fields of the basic header
type Ip6Header struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          core.Ipv6Key
	Dst          core.Ipv6Key
}

// Encode write the header into the first 40 bytes of b
func (o *Ip6Header) Encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], 6<<28|uint32(o.TrafficClass)<<20|(o.FlowLabel&0xfffff))
	binary.BigEndian.PutUint16(b[4:6], o.PayloadLen)
	b[6] = o.NextHeader
	b[7] = o.HopLimit
	copy(b[8:24], o.Src[:])
	copy(b[24:40], o.Dst[:])
}

// Decode read the header from the first 40 bytes of b
func (o *Ip6Header) Decode(b []byte) {
	v := binary.BigEndian.Uint32(b[0:4])
	o.TrafficClass = uint8(v >> 20)
	o.FlowLabel = v & 0xfffff
	o.PayloadLen = binary.BigEndian.Uint16(b[4:6])
	o.NextHeader = b[6]
	o.HopLimit = b[7]
	copy(o.Src[:], b[8:24])
	copy(o.Dst[:], b[24:40])
}

func ip6Version(b []byte) uint8 {
	return b[0] >> 4
}

func ip6PayloadLen(b []byte) uint16 {
	return binary.BigEndian.Uint16(b[4:6])
}

func ip6SetPayloadLen(b []byte, l uint16) {
	binary.BigEndian.PutUint16(b[4:6], l)
}

func ip6Src(b []byte) (k core.Ipv6Key) {
	copy(k[:], b[8:24])
	return
}

func ip6Dst(b []byte) (k core.Ipv6Key) {
	copy(k[:], b[24:40])
	return
}

// FragmentHeader view of the 8 bytes fragment header
type FragmentHeader []byte

func (h FragmentHeader) NextHeader() uint8 {
	return h[0]
}

// Offset in bytes
func (h FragmentHeader) Offset() uint32 {
	return uint32(binary.BigEndian.Uint16(h[2:4]) & 0xfff8)
}

func (h FragmentHeader) More() bool {
	return (h[3] & 1) == 1
}

func (h FragmentHeader) Id() uint32 {
	return binary.BigEndian.Uint32(h[4:8])
}

// Set offset is in bytes and should be a multiple of 8
func (h FragmentHeader) Set(nextHeader uint8, offset uint32, more bool, id uint32) {
	h[0] = nextHeader
	h[1] = 0
	v := uint16(offset & 0xfff8)
	if more {
		v |= 1
	}
	binary.BigEndian.PutUint16(h[2:4], v)
	binary.BigEndian.PutUint32(h[4:8], id)
}

func isExtHeader(nh uint8) bool {
	switch nh {
	case IP6_HOP_BY_HOP, IP6_ROUTING, IP6_FRAGMENT, IP6_AH, IP6_DESTINATION:
		return true
	}
	return false
}

func isKnownUpperLayer(nh uint8) bool {
	switch nh {
	case IP6_TCP, IP6_UDP, IP6_ICMP, IP6_ESP, IP6_NO_NEXT_HEADER:
		return true
	}
	return false
}

func isIcmpError(icmpType uint8) bool {
	return icmpType < ICMP_V6_ECHO_REQUEST
}
