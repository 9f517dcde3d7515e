// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package core

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net"
	"net/netip"
)

type Ipv6Key [16]byte
type MACKey [6]byte // mac key

/* well known addresses */
var (
	Ipv6Unspecified    = Ipv6Key{}
	Ipv6Loopback       = Ipv6Key{15: 1}
	Ipv6AllNodes       = Ipv6Key{0xff, 0x02, 15: 1}
	Ipv6AllRouters     = Ipv6Key{0xff, 0x02, 15: 2}
	Ipv6AllMldv2Router = Ipv6Key{0xff, 0x02, 15: 0x16}
)

// address scope as defined by RFC 4291 2.7 (multicast) and 2.5.6 (link local)
const (
	SCOPE_INTERFACE_LOCAL = 0x1
	SCOPE_LINK_LOCAL      = 0x2
	SCOPE_SITE_LOCAL      = 0x5
	SCOPE_GLOBAL          = 0xe
)

// NewIpv6Key parse a textual address, panics on error. should be used for constants
func NewIpv6Key(s string) Ipv6Key {
	k, err := ParseIpv6Key(s)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseIpv6Key parse a textual ipv6 address
func ParseIpv6Key(s string) (Ipv6Key, error) {
	var key Ipv6Key
	a, err := netip.ParseAddr(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if !a.Is6() || a.Is4In6() {
		return key, fmt.Errorf("%w: %s is not an ipv6 address", ErrInvalidParameter, s)
	}
	key = a.As16()
	return key, nil
}

func (key *Ipv6Key) IsZero() bool {
	return *key == Ipv6Unspecified
}

func (key *Ipv6Key) IsUnspecified() bool {
	return key.IsZero()
}

func (key *Ipv6Key) IsLoopback() bool {
	return *key == Ipv6Loopback
}

func (key *Ipv6Key) IsMulticast() bool {
	return key[0] == 0xff
}

func (key *Ipv6Key) IsLinkLocal() bool {
	return key[0] == 0xfe && (key[1]&0xc0) == 0x80
}

func (key *Ipv6Key) IsSiteLocal() bool {
	return key[0] == 0xfe && (key[1]&0xc0) == 0xc0
}

// Scope return the scope of the address, multicast scope is taken from the header
func (key *Ipv6Key) Scope() uint8 {
	if key.IsMulticast() {
		return key[1] & 0x0f
	}
	if key.IsLoopback() {
		return SCOPE_INTERFACE_LOCAL
	}
	if key.IsLinkLocal() {
		return SCOPE_LINK_LOCAL
	}
	if key.IsSiteLocal() {
		return SCOPE_SITE_LOCAL
	}
	return SCOPE_GLOBAL
}

// IsNetEqual return true if the first prefixLen bits are equal
func (key *Ipv6Key) IsNetEqual(other *Ipv6Key, prefixLen uint8) bool {
	if prefixLen > 128 {
		return false
	}
	bytes := prefixLen / 8
	for i := uint8(0); i < bytes; i++ {
		if key[i] != other[i] {
			return false
		}
	}
	rest := prefixLen % 8
	if rest == 0 {
		return true
	}
	mask := byte(0xff << (8 - rest))
	return (key[bytes] & mask) == (other[bytes] & mask)
}

// CommonPrefixLen return the number of leading bits that are equal
func (key *Ipv6Key) CommonPrefixLen(other *Ipv6Key) uint8 {
	var n uint8
	for i := 0; i < 16; i += 8 {
		a := binary.BigEndian.Uint64(key[i : i+8])
		b := binary.BigEndian.Uint64(other[i : i+8])
		z := bits.LeadingZeros64(a ^ b)
		n += uint8(z)
		if z != 64 {
			break
		}
	}
	return n
}

// Prefix return a copy of the address with bits beyond prefixLen cleared
func (key *Ipv6Key) Prefix(prefixLen uint8) Ipv6Key {
	var r Ipv6Key
	for i := 0; i < 16; i++ {
		switch {
		case uint8(i+1)*8 <= prefixLen:
			r[i] = key[i]
		case uint8(i)*8 < prefixLen:
			r[i] = key[i] & byte(0xff<<(8-prefixLen%8))
		}
	}
	return r
}

// SolicitedNode return the solicited-node multicast address ff02::1:ffxx:xxxx
func (key *Ipv6Key) SolicitedNode() Ipv6Key {
	r := Ipv6Key{0xff, 0x02, 11: 0x01, 12: 0xff}
	copy(r[13:], key[13:])
	return r
}

// MulticastMac map a multicast address into 33:33:xx:xx:xx:xx (RFC 2464 7)
func (key *Ipv6Key) MulticastMac() MACKey {
	return MACKey{0x33, 0x33, key[12], key[13], key[14], key[15]}
}

// Uint32 return the leading 32 bits
func (key *Ipv6Key) Uint32() uint32 {
	return binary.BigEndian.Uint32(key[0:4])
}

func (key *Ipv6Key) ToIP() net.IP {
	var p net.IP
	p = append(p, key[:]...)
	return p
}

func (key Ipv6Key) Addr() netip.Addr {
	return netip.AddrFrom16(key)
}

func (key Ipv6Key) String() string {
	return netip.AddrFrom16(key).String()
}

// MarshalText and UnmarshalText are used by the rpc/config json/yaml decoders
func (key Ipv6Key) MarshalText() ([]byte, error) {
	return []byte(key.String()), nil
}

func (key *Ipv6Key) UnmarshalText(b []byte) error {
	k, err := ParseIpv6Key(string(b))
	if err != nil {
		return err
	}
	*key = k
	return nil
}

func (key *Ipv6Key) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return key.UnmarshalText([]byte(s))
}

// LinkLocalFromMac build fe80::/64 address with modified EUI-64 interface id
func LinkLocalFromMac(mac MACKey) Ipv6Key {
	r := Ipv6Key{0xfe, 0x80}
	r[8] = mac[0] ^ 0x02
	r[9] = mac[1]
	r[10] = mac[2]
	r[11] = 0xff
	r[12] = 0xfe
	r[13] = mac[3]
	r[14] = mac[4]
	r[15] = mac[5]
	return r
}

func (key *MACKey) Clear() {
	*key = [6]byte{0, 0, 0, 0, 0, 0}
}

func (key *MACKey) IsZero() bool {
	if *key == [6]byte{0, 0, 0, 0, 0, 0} {
		return true
	}
	return false
}

func (key *MACKey) IsBroadcast() bool {
	if *key == [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff} {
		return true
	}
	return false
}

func (key *MACKey) IsMulticast() bool {
	return key[0]&0x01 != 0
}

func (key *MACKey) Uint64() uint64 {
	res := uint64(key[0])<<40 | uint64(key[1])<<32 | uint64(key[2])<<24 |
		uint64(key[3])<<16 | uint64(key[4])<<8 | uint64(key[5])
	return res
}

func (key *MACKey) SetUint64(v uint64) {
	for i := 0; i < 6; i++ {
		byte := byte(v & 0xFF)
		key[5-i] = byte
		v >>= 8
	}
}

// (core.MACKey).String is printable version of MAC Address
func (key MACKey) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", key[0], key[1], key[2], key[3], key[4], key[5])
}

func (key MACKey) MarshalText() ([]byte, error) {
	return []byte(key.String()), nil
}

func (key *MACKey) UnmarshalText(b []byte) error {
	hw, err := net.ParseMAC(string(b))
	if err != nil || len(hw) != 6 {
		return fmt.Errorf("%w: invalid mac %q", ErrInvalidParameter, string(b))
	}
	copy(key[:], hw)
	return nil
}

func (key *MACKey) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return key.UnmarshalText([]byte(s))
}
