package ipv6

/* reassembly of fragmented datagrams

An entry per (dst, src, id) holds the received byte ranges sorted by start offset.
Overlapping bytes belong to the fragment with the higher start offset, a fragment
with the same start offset as a queued one replaces it. The entry lives
IP6_FRAGMENT_LIFE service ticks.

*/

import (
	"sort"

	"emu6/core"
)

type fragKey struct {
	dst core.Ipv6Key
	src core.Ipv6Key
	id  uint32
}

type fragPiece struct {
	start uint32
	end   uint32
	prio  uint32 /* start offset of the fragment the bytes came from */
	data  []byte
}

type reassemblyEntry struct {
	key      fragKey
	ifc      *Ip6Interface
	pieces   []fragPiece
	curLen   uint32
	totalLen uint32 /* known once the last fragment arrived */
	lastSeen bool
	life     uint32
	head     []byte /* basic header and unfragmentable headers of the first fragment */
	first    []byte /* the first fragment as received */
}

type reassemblyStats struct {
	frags         uint64
	datagrams     uint64
	entries       uint64
	dropEmpty     uint64
	dropTooBig    uint64
	dropDupFirst  uint64
	dropMalformed uint64
	evicted       uint64
	timeout       uint64
	overlap       uint64
}

func newReassemblyStatsDb(o *reassemblyStats) *core.CCounterDb {
	db := core.NewCCounterDb("reasm")
	db.AddUint64(&o.frags, "frags", "fragments received", core.ScINFO)
	db.AddUint64(&o.datagrams, "datagrams", "datagrams reassembled", core.ScINFO)
	db.AddUint64(&o.entries, "entries", "reassembly entries created", core.ScINFO)
	db.AddUint64(&o.dropEmpty, "dropEmpty", "fragment without data", core.ScERROR)
	db.AddUint64(&o.dropTooBig, "dropTooBig", "fragment beyond the maximum datagram", core.ScERROR)
	db.AddUint64(&o.dropDupFirst, "dropDupFirst", "first fragment received twice", core.ScERROR)
	db.AddUint64(&o.dropMalformed, "dropMalformed", "last fragment does not end the datagram", core.ScERROR)
	db.AddUint64(&o.evicted, "evicted", "entries evicted by a new datagram", core.ScWARNING)
	db.AddUint64(&o.timeout, "timeout", "entries expired", core.ScWARNING)
	db.AddUint64(&o.overlap, "overlap", "overlapping fragments", core.ScWARNING)
	return db
}

type icmpErrorFunc func(ifc *Ip6Interface, invoking []byte, icmpType, code uint8, pointer uint32)

type reassembler struct {
	entries map[fragKey]*reassemblyEntry
	order   []*reassemblyEntry /* creation order */
	max     int
	icmp    icmpErrorFunc
	stats   reassemblyStats
	cdb     *core.CCounterDb
}

func newReassembler(max uint32, icmp icmpErrorFunc) *reassembler {
	o := new(reassembler)
	if max == 0 {
		max = IP6_MAX_ASSEMBLE
	}
	o.max = int(max)
	o.icmp = icmp
	o.entries = make(map[fragKey]*reassemblyEntry)
	o.cdb = newReassemblyStatsDb(&o.stats)
	return o
}

func (o *reassembler) Len() int {
	return len(o.order)
}

func (o *reassembler) remove(e *reassemblyEntry) {
	delete(o.entries, e.key)
	for i, v := range o.order {
		if v == e {
			copy(o.order[i:], o.order[i+1:])
			o.order[len(o.order)-1] = nil
			o.order = o.order[:len(o.order)-1]
			break
		}
	}
}

func (o *reassembler) lookup(ifc *Ip6Interface, key fragKey) *reassemblyEntry {
	if e, ok := o.entries[key]; ok {
		return e
	}
	if len(o.order) >= o.max {
		o.remove(o.order[0])
		o.stats.evicted++
	}
	e := &reassemblyEntry{key: key, ifc: ifc, life: IP6_FRAGMENT_LIFE + 1}
	o.entries[key] = e
	o.order = append(o.order, e)
	o.stats.entries++
	return e
}

// cutPiece return the parts of p outside [s, t)
func cutPiece(p fragPiece, s, t uint32) []fragPiece {
	var r []fragPiece
	if p.start < s {
		r = append(r, fragPiece{start: p.start, end: s, prio: p.prio, data: p.data[:s-p.start]})
	}
	if p.end > t {
		r = append(r, fragPiece{start: t, end: p.end, prio: p.prio, data: p.data[t-p.start:]})
	}
	return r
}

func (o *reassemblyEntry) insert(n fragPiece) bool {
	overlap := false
	out := make([]fragPiece, 0, len(o.pieces)+2)
	keep := []fragPiece{n}
	for _, e := range o.pieces {
		if e.end <= n.start || e.start >= n.end {
			out = append(out, e)
			continue
		}
		overlap = true
		if e.prio > n.prio {
			var k []fragPiece
			for _, p := range keep {
				k = append(k, cutPiece(p, e.start, e.end)...)
			}
			keep = k
			out = append(out, e)
		} else {
			out = append(out, cutPiece(e, n.start, n.end)...)
		}
	}
	out = append(out, keep...)
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	o.pieces = out
	o.curLen = 0
	for _, p := range o.pieces {
		o.curLen += p.end - p.start
	}
	return overlap
}

func (o *reassemblyEntry) complete() bool {
	return o.lastSeen && o.curLen >= o.totalLen
}

/*
process a fragment, pkt is the whole packet trimmed to its payload length and info the
result of the extension header walk. Return the reassembled packet when the fragment
completes a datagram, nil otherwise. The packet is copied.
*/
func (o *reassembler) process(ifc *Ip6Interface, pkt []byte, info *ExtHdrInfo) []byte {
	off := info.FragmentOffset
	fh := FragmentHeader(pkt[off : off+IP6_FRAGMENT_HDR_LEN])
	data := pkt[off+IP6_FRAGMENT_HDR_LEN:]
	o.stats.frags++

	start := fh.Offset()
	end := start + uint32(len(data))
	if len(data) == 0 {
		o.stats.dropEmpty++
		return nil
	}
	if end+off-IP6_HEADER_LEN > IP6_MAX_PAYLOAD {
		o.stats.dropTooBig++
		if o.icmp != nil {
			o.icmp(ifc, pkt, ICMP_V6_PARAMETER_PROBLEM, ICMP_V6_ERRONEOUS_HEADER, off+2)
		}
		return nil
	}

	key := fragKey{dst: ip6Dst(pkt), src: ip6Src(pkt), id: fh.Id()}
	e := o.lookup(ifc, key)

	if start == 0 {
		if e.head != nil {
			o.stats.dropDupFirst++
			return nil
		}
		e.head = append([]byte(nil), pkt[:off]...)
		if off == IP6_HEADER_LEN {
			e.head[6] = fh.NextHeader()
		} else {
			e.head[info.FormerNhOffset] = fh.NextHeader()
		}
		first := pkt
		if len(first) > IP6_ICMP_ERROR_MAX_SIZE {
			first = first[:IP6_ICMP_ERROR_MAX_SIZE]
		}
		e.first = append([]byte(nil), first...)
	}

	if !fh.More() && !e.lastSeen {
		e.lastSeen = true
		e.totalLen = end
	}

	if e.insert(fragPiece{start: start, end: end, prio: start, data: append([]byte(nil), data...)}) {
		o.stats.overlap++
	}

	if !e.complete() {
		return nil
	}
	o.remove(e)

	tail := e.pieces[len(e.pieces)-1]
	if tail.end != e.totalLen || e.head == nil {
		o.stats.dropMalformed++
		log.Debugf("reassembly of %d from %s malformed, tail %d total %d", key.id, key.src, tail.end, e.totalLen)
		return nil
	}

	r := make([]byte, 0, uint32(len(e.head))+e.totalLen)
	r = append(r, e.head...)
	for _, p := range e.pieces {
		r = append(r, p.data...)
	}
	ip6SetPayloadLen(r, uint16(len(r)-IP6_HEADER_LEN))
	o.stats.datagrams++
	return r
}

// Tick age the entries, called every IP6_TIMER_INTERVAL
func (o *reassembler) Tick() {
	var expired []*reassemblyEntry
	for _, e := range o.order {
		e.life--
		if e.life == 0 {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		o.remove(e)
		o.stats.timeout++
		if e.first != nil && !e.key.dst.IsMulticast() && o.icmp != nil {
			o.icmp(e.ifc, e.first, ICMP_V6_TIME_EXCEEDED, ICMP_V6_TIMEOUT_REASSEMBLE, 0)
		}
	}
}

// ApiFragEntry reassembly entry as returned by the rpc
type ApiFragEntry struct {
	Dst      core.Ipv6Key `json:"dst"`
	Src      core.Ipv6Key `json:"src"`
	Id       uint32       `json:"id"`
	CurLen   uint32       `json:"cur_len"`
	TotalLen uint32       `json:"total_len"`
	Frags    int          `json:"frags"`
	Life     uint32       `json:"life"`
}

func (o *reassembler) Entries() []ApiFragEntry {
	r := make([]ApiFragEntry, 0, len(o.order))
	for _, e := range o.order {
		r = append(r, ApiFragEntry{
			Dst:      e.key.dst,
			Src:      e.key.src,
			Id:       e.key.id,
			CurLen:   e.curLen,
			TotalLen: e.totalLen,
			Frags:    len(e.pieces),
			Life:     e.life,
		})
	}
	return r
}
