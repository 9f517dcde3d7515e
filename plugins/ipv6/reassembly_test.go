package ipv6

import (
	"bytes"
	"testing"
)

var (
	fragSrc = k("2001:db8::2")
	fragDst = k("2001:db8::1")
)

// fragPkt a packet with a fragment header and no other extension header
func fragPkt(id uint32, start uint32, more bool, data []byte) []byte {
	hdr := Ip6Header{
		NextHeader: IP6_FRAGMENT,
		HopLimit:   64,
		Src:        fragSrc,
		Dst:        fragDst,
		PayloadLen: uint16(IP6_FRAGMENT_HDR_LEN + len(data)),
	}
	b := encodeHdr(&hdr)
	fh := make([]byte, IP6_FRAGMENT_HDR_LEN)
	FragmentHeader(fh).Set(IP6_UDP, start, more, id)
	b = append(b, fh...)
	return append(b, data...)
}

func feed(t *testing.T, r *reassembler, pkt []byte) []byte {
	t.Helper()
	dst := ip6Dst(pkt)
	info, ierr, ok := ValidateExtHdrs(nil, &dst, pkt[6], pkt[IP6_HEADER_LEN:], true)
	if !ok || !info.Fragmented {
		t.Fatalf("fragment rejected %+v %+v", info, ierr)
	}
	return r.process(nil, pkt, &info)
}

func TestReassemblyPermutations(t *testing.T) {
	payload := testPayload(3000)
	frags := [][]byte{
		fragPkt(1, 0, true, payload[0:1224]),
		fragPkt(1, 1224, true, payload[1224:2448]),
		fragPkt(1, 2448, false, payload[2448:]),
	}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		r := newReassembler(0, nil)
		var out []byte
		for i, idx := range order {
			out = feed(t, r, frags[idx])
			if i < len(order)-1 && out != nil {
				t.Fatalf("order %v: completed early", order)
			}
		}
		if out == nil {
			t.Fatalf("order %v: not completed", order)
		}
		if out[6] != IP6_UDP || ip6PayloadLen(out) != 3000 || !bytes.Equal(out[IP6_HEADER_LEN:], payload) {
			t.Fatalf("order %v: bad datagram", order)
		}
		if r.Len() != 0 {
			t.Fatalf("order %v: entry left", order)
		}
	}
}

func TestReassemblyOverlap(t *testing.T) {
	a := bytes.Repeat([]byte{0xaa}, 1224)
	b := bytes.Repeat([]byte{0xbb}, 784)
	fa := fragPkt(2, 0, true, a)
	fb := fragPkt(2, 1216, false, b) /* overlaps the last 8 bytes of a */

	want := append(bytes.Repeat([]byte{0xaa}, 1216), b...)
	for _, order := range [][][]byte{{fa, fb}, {fb, fa}} {
		r := newReassembler(0, nil)
		feed(t, r, order[0])
		out := feed(t, r, order[1])
		if out == nil {
			t.Fatalf("not completed")
		}
		if !bytes.Equal(out[IP6_HEADER_LEN:], want) {
			t.Fatalf("overlap resolved differently, len %d", len(out)-IP6_HEADER_LEN)
		}
		if r.stats.overlap != 1 {
			t.Fatalf("overlap counter %d", r.stats.overlap)
		}
	}
}

func TestReassemblySameStartNewWins(t *testing.T) {
	r := newReassembler(0, nil)
	feed(t, r, fragPkt(3, 8, false, bytes.Repeat([]byte{1}, 8)))
	feed(t, r, fragPkt(3, 8, false, bytes.Repeat([]byte{2}, 8)))
	out := feed(t, r, fragPkt(3, 0, true, bytes.Repeat([]byte{3}, 8)))
	if out == nil {
		t.Fatalf("not completed")
	}
	want := append(bytes.Repeat([]byte{3}, 8), bytes.Repeat([]byte{2}, 8)...)
	if !bytes.Equal(out[IP6_HEADER_LEN:], want) {
		t.Fatalf("payload % x", out[IP6_HEADER_LEN:])
	}
}

func TestReassemblyDuplicateLast(t *testing.T) {
	payload := testPayload(3000)
	r := newReassembler(0, nil)
	if feed(t, r, fragPkt(4, 1224, false, payload[1224:2448])) != nil {
		t.Fatalf("completed early")
	}
	if feed(t, r, fragPkt(4, 2448, false, payload[2448:])) != nil {
		t.Fatalf("completed early")
	}
	if out := feed(t, r, fragPkt(4, 0, true, payload[:1224])); out != nil {
		t.Fatalf("malformed datagram delivered")
	}
	if r.stats.dropMalformed != 1 || r.Len() != 0 {
		t.Fatalf("malformed %d entries %d", r.stats.dropMalformed, r.Len())
	}
}

func TestReassemblyDuplicateFirst(t *testing.T) {
	payload := testPayload(2000)
	r := newReassembler(0, nil)
	feed(t, r, fragPkt(5, 0, true, payload[:1224]))
	if feed(t, r, fragPkt(5, 0, true, payload[:1224])) != nil {
		t.Fatalf("duplicate first completed")
	}
	if r.stats.dropDupFirst != 1 {
		t.Fatalf("dup first %d", r.stats.dropDupFirst)
	}
	if out := feed(t, r, fragPkt(5, 1224, false, payload[1224:])); out == nil {
		t.Fatalf("datagram lost after a duplicate first fragment")
	}
}

type icmpRecord struct {
	icmpType, code uint8
	pointer        uint32
	invoking       []byte
}

func TestReassemblyTimeout(t *testing.T) {
	var sent []icmpRecord
	r := newReassembler(0, func(ifc *Ip6Interface, invoking []byte, icmpType, code uint8, pointer uint32) {
		sent = append(sent, icmpRecord{icmpType, code, pointer, invoking})
	})
	payload := testPayload(2000)
	feed(t, r, fragPkt(6, 0, true, payload[:1224]))
	feed(t, r, fragPkt(7, 1224, false, payload[1224:])) /* first fragment never seen */

	for i := 0; i < IP6_FRAGMENT_LIFE; i++ {
		r.Tick()
	}
	if r.Len() != 2 {
		t.Fatalf("expired early %d", r.Len())
	}
	r.Tick()
	if r.Len() != 0 || r.stats.timeout != 2 {
		t.Fatalf("entries %d timeout %d", r.Len(), r.stats.timeout)
	}
	if len(sent) != 1 {
		t.Fatalf("%d icmp errors", len(sent))
	}
	if sent[0].icmpType != ICMP_V6_TIME_EXCEEDED || sent[0].code != ICMP_V6_TIMEOUT_REASSEMBLE {
		t.Fatalf("icmp %+v", sent[0])
	}
	if FragmentHeader(sent[0].invoking[40:48]).Id() != 6 {
		t.Fatalf("invoking packet is not the first fragment")
	}
}

func TestReassemblyMaxEntries(t *testing.T) {
	r := newReassembler(2, nil)
	data := testPayload(16)
	for id := uint32(10); id < 13; id++ {
		feed(t, r, fragPkt(id, 0, true, data))
	}
	if r.Len() != 2 || r.stats.evicted != 1 {
		t.Fatalf("entries %d evicted %d", r.Len(), r.stats.evicted)
	}
	ents := r.Entries()
	if ents[0].Id != 11 || ents[1].Id != 12 {
		t.Fatalf("oldest was not evicted %+v", ents)
	}
}
