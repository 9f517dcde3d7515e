package ipv6

import (
	"bytes"
	"errors"
	"testing"

	"emu6/core"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func encodeHdr(h *Ip6Header) []byte {
	var b [IP6_HEADER_LEN]byte
	h.Encode(b[:])
	return b[:]
}

func TestFragment3000(t *testing.T) {
	pool := core.NewMbufPool(16, 0)
	payload := testPayload(3000)
	dst := k("2001:db8::2")
	hdr := Ip6Header{NextHeader: IP6_UDP, HopLimit: 64, Src: k("2001:db8::1"), Dst: dst, PayloadLen: 3000}
	hb := encodeHdr(&hdr)
	info, _, ok := ValidateExtHdrs(nil, &dst, IP6_UDP, nil, false)
	if !ok {
		t.Fatal("validation")
	}
	frags, err := fragmentDatagram(pool, hb, nil, payload, &info, 1280, 0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 3 {
		t.Fatalf("%d fragments", len(frags))
	}

	wantOff := []uint16{0, 1224, 2448}
	wantMore := []bool{true, true, false}
	wantLen := []int{1224, 1224, 552}
	for i, m := range frags {
		p := gopacket.NewPacket(m.GetData(), layers.LayerTypeIPv6, gopacket.Default)
		fl, ok := p.Layer(layers.LayerTypeIPv6Fragment).(*layers.IPv6Fragment)
		if !ok {
			t.Fatalf("fragment %d: no fragment header\n%s", i, p.Dump())
		}
		if fl.FragmentOffset*8 != wantOff[i] || fl.MoreFragments != wantMore[i] || fl.Identification != 0x1234 {
			t.Fatalf("fragment %d: %s", i, spew.Sdump(fl))
		}
		if fl.NextHeader != layers.IPProtocolUDP {
			t.Fatalf("fragment %d next header %d", i, fl.NextHeader)
		}
		if len(fl.Payload) != wantLen[i] {
			t.Fatalf("fragment %d len %d", i, len(fl.Payload))
		}
		if m.PktLen() > 1280 {
			t.Fatalf("fragment %d is %d bytes", i, m.PktLen())
		}
	}

	/* round trip */
	r := newReassembler(0, nil)
	var out []byte
	for _, m := range frags {
		out = feed(t, r, m.GetData())
		m.FreeMbuf()
	}
	want := append(append([]byte(nil), hb...), payload...)
	if !bytes.Equal(out, want) {
		t.Fatalf("reassembled datagram differs, len %d want %d", len(out), len(want))
	}
}

func TestFragmentUnfragmentablePart(t *testing.T) {
	pool := core.NewMbufPool(16, 0)
	dst := k("2001:db8::2")
	var exts []byte
	exts = append(exts, optHdr(IP6_ROUTING)...)               /* hop by hop */
	exts = append(exts, IP6_DESTINATION, 0, 0, 0, 0, 0, 0, 0) /* routing */
	exts = append(exts, optHdr(IP6_UDP)...)                   /* destination */
	payload := testPayload(2000)
	hdr := Ip6Header{NextHeader: IP6_HOP_BY_HOP, HopLimit: 64, Src: k("2001:db8::1"), Dst: dst,
		PayloadLen: uint16(len(exts) + len(payload))}
	hb := encodeHdr(&hdr)

	ulen, nhOff, first := unfragmentablePart(IP6_HOP_BY_HOP, exts)
	if ulen != 16 || nhOff != 48 || first != IP6_DESTINATION {
		t.Fatalf("unfragmentable %d %d %d", ulen, nhOff, first)
	}

	info, _, ok := ValidateExtHdrs(nil, &dst, IP6_HOP_BY_HOP, exts, false)
	if !ok {
		t.Fatal("validation")
	}
	frags, err := fragmentDatagram(pool, hb, exts, payload, &info, 1280, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 2 {
		t.Fatalf("%d fragments", len(frags))
	}
	for i, m := range frags {
		b := m.GetData()
		if !bytes.Equal(b[40:48], exts[0:8]) || b[48] != IP6_FRAGMENT {
			t.Fatalf("fragment %d unfragmentable part % x", i, b[40:56])
		}
		fh := FragmentHeader(b[56:64])
		if i == 0 && (fh.NextHeader() != IP6_DESTINATION || fh.Offset() != 0) {
			t.Fatalf("first fragment nh %d", fh.NextHeader())
		}
		if i == 1 && (fh.NextHeader() != IP6_UDP || fh.Offset() != 1208) {
			t.Fatalf("second fragment nh %d offset %d", fh.NextHeader(), fh.Offset())
		}
	}

	r := newReassembler(0, nil)
	var out []byte
	for _, m := range frags {
		out = feed(t, r, m.GetData())
		m.FreeMbuf()
	}
	want := append(append(append([]byte(nil), hb...), exts...), payload...)
	if !bytes.Equal(out, want) {
		t.Fatalf("reassembled datagram differs")
	}
}

func TestFragmentBadMtu(t *testing.T) {
	pool := core.NewMbufPool(16, 0)
	dst := k("2001:db8::2")
	hdr := Ip6Header{NextHeader: IP6_UDP, HopLimit: 64, Dst: dst}
	info := ExtHdrInfo{LastHeader: IP6_UDP}
	_, err := fragmentDatagram(pool, encodeHdr(&hdr), nil, testPayload(100), &info, 56, 1)
	if !errors.Is(err, core.ErrBadBufferSize) {
		t.Fatalf("err %v", err)
	}
	_, err = fragmentDatagram(pool, encodeHdr(&hdr), nil, nil, &info, 1280, 1)
	if !errors.Is(err, core.ErrInvalidParameter) {
		t.Fatalf("empty datagram %v", err)
	}
}

func TestFragmentOffsetOverflow(t *testing.T) {
	pool := core.NewMbufPool(16, 0)
	dst := k("2001:db8::2")
	hdr := Ip6Header{NextHeader: IP6_UDP, HopLimit: 64, Dst: dst}
	info := ExtHdrInfo{LastHeader: IP6_UDP}
	/* the last fragment would start at 69768, above the 13 bit offset */
	_, err := fragmentDatagram(pool, encodeHdr(&hdr), nil, testPayload(70000), &info, 1280, 1)
	if !errors.Is(err, core.ErrBadBufferSize) {
		t.Fatalf("err %v", err)
	}
	if s := pool.GetStats(); s.CntActive != 0 {
		t.Fatalf("leaked %d buffers", s.CntActive)
	}
}

func TestFragmentPoolLimit(t *testing.T) {
	pool := core.NewMbufPool(16, 2)
	dst := k("2001:db8::2")
	hdr := Ip6Header{NextHeader: IP6_UDP, HopLimit: 64, Dst: dst}
	info := ExtHdrInfo{LastHeader: IP6_UDP}
	_, err := fragmentDatagram(pool, encodeHdr(&hdr), nil, testPayload(3000), &info, 1280, 1)
	if !errors.Is(err, core.ErrOutOfResources) {
		t.Fatalf("err %v", err)
	}
	if s := pool.GetStats(); s.CntActive != 0 {
		t.Fatalf("leaked %d buffers", s.CntActive)
	}
}
