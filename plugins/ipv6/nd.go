package ipv6

/* neighbor cache

The resolution itself (neighbor solicitation/advertisement) is done outside, the
engine asks for a resolution with NeighborResolver.ResolveNeighbor and gets the answer
with Ip6Service.NeighborResolved or Ip6Service.NeighborFailed. Frames that wait for the
answer are queued on the entry with their logical tag.

*/

import (
	"fmt"

	"emu6/core"
)

// NeighborResolver start the resolution of addr on ifc, the answer can be given
// from inside the call
type NeighborResolver interface {
	ResolveNeighbor(ifc *Ip6Interface, addr core.Ipv6Key)
}

type neighborState uint8

const (
	NEIGHBOR_INCOMPLETE neighborState = iota
	NEIGHBOR_REACHABLE
)

func (o neighborState) String() string {
	if o == NEIGHBOR_REACHABLE {
		return "reachable"
	}
	return "incomplete"
}

type pendingFrame struct {
	m   *core.Mbuf
	tag uint64
}

type neighborEntry struct {
	addr    core.Ipv6Key
	ifc     *Ip6Interface
	state   neighborState
	mac     core.MACKey
	static  bool
	pending []pendingFrame
	ticks   uint32
	retries uint32
}

type neighborStats struct {
	resolveReq    uint64
	resolved      uint64
	failed        uint64
	queued        uint64
	dropQueueFull uint64
	canceled      uint64
}

func newNeighborStatsDb(o *neighborStats) *core.CCounterDb {
	db := core.NewCCounterDb("nd")
	db.AddUint64(&o.resolveReq, "resolveReq", "resolution requests", core.ScINFO)
	db.AddUint64(&o.resolved, "resolved", "neighbors resolved", core.ScINFO)
	db.AddUint64(&o.failed, "failed", "resolutions that failed", core.ScERROR)
	db.AddUint64(&o.queued, "queued", "frames queued for resolution", core.ScINFO)
	db.AddUint64(&o.dropQueueFull, "dropQueueFull", "pending queue is full", core.ScERROR)
	db.AddUint64(&o.canceled, "canceled", "pending frames canceled", core.ScWARNING)
	return db
}

type neighborCache struct {
	entries    map[core.Ipv6Key]*neighborEntry
	resolver   NeighborResolver
	maxPending int
	maxRetries uint32
	stats      neighborStats
	cdb        *core.CCounterDb
}

func newNeighborCache(maxPending, maxRetries uint32) *neighborCache {
	o := new(neighborCache)
	if maxPending == 0 {
		maxPending = IP6_NEIGHBOR_PENDING
	}
	if maxRetries == 0 {
		maxRetries = IP6_NEIGHBOR_RETRIES
	}
	o.maxPending = int(maxPending)
	o.maxRetries = maxRetries
	o.entries = make(map[core.Ipv6Key]*neighborEntry)
	o.cdb = newNeighborStatsDb(&o.stats)
	return o
}

func (o *neighborCache) lookup(addr core.Ipv6Key) *neighborEntry {
	return o.entries[addr]
}

// create an incomplete entry and ask for its resolution
func (o *neighborCache) create(ifc *Ip6Interface, addr core.Ipv6Key) *neighborEntry {
	e := &neighborEntry{addr: addr, ifc: ifc, state: NEIGHBOR_INCOMPLETE}
	o.entries[addr] = e
	o.request(e)
	return e
}

func (o *neighborCache) request(e *neighborEntry) {
	o.stats.resolveReq++
	if o.resolver != nil {
		o.resolver.ResolveNeighbor(e.ifc, e.addr)
	}
}

func (o *neighborCache) enqueue(e *neighborEntry, m *core.Mbuf, tag uint64) error {
	if len(e.pending) >= o.maxPending {
		m.FreeMbuf()
		o.stats.dropQueueFull++
		return fmt.Errorf("%w: %d frames wait for %s", core.ErrOutOfResources, len(e.pending), e.addr)
	}
	e.pending = append(e.pending, pendingFrame{m: m, tag: tag})
	o.stats.queued++
	return nil
}

func (o *neighborCache) addStatic(ifc *Ip6Interface, addr core.Ipv6Key, mac core.MACKey) *neighborEntry {
	e := o.entries[addr]
	if e == nil {
		e = &neighborEntry{addr: addr, ifc: ifc}
		o.entries[addr] = e
	}
	e.state = NEIGHBOR_REACHABLE
	e.mac = mac
	e.static = true
	return e
}

// cancel remove the pending frames with tag
func (o *neighborCache) cancel(tag uint64) int {
	n := 0
	for _, e := range o.entries {
		q := e.pending[:0]
		for _, f := range e.pending {
			if f.tag == tag {
				f.m.FreeMbuf()
				n++
				continue
			}
			q = append(q, f)
		}
		for i := len(q); i < len(e.pending); i++ {
			e.pending[i] = pendingFrame{}
		}
		e.pending = q
	}
	o.stats.canceled += uint64(n)
	return n
}

// takePending detach the queue of the entry
func (e *neighborEntry) takePending() []pendingFrame {
	q := e.pending
	e.pending = nil
	return q
}

// tick return the entries that ran out of retries, they are removed
func (o *neighborCache) tick() []*neighborEntry {
	var failed []*neighborEntry
	for _, e := range o.entries {
		if e.state != NEIGHBOR_INCOMPLETE {
			continue
		}
		e.ticks++
		if e.ticks < IP6_NEIGHBOR_RETRANS {
			continue
		}
		e.ticks = 0
		e.retries++
		if e.retries > o.maxRetries {
			failed = append(failed, e)
			continue
		}
		o.request(e)
	}
	for _, e := range failed {
		delete(o.entries, e.addr)
		o.stats.failed++
	}
	return failed
}

// ApiNeighbor neighbor entry as returned by the rpc
type ApiNeighbor struct {
	Interface string       `json:"interface"`
	Address   core.Ipv6Key `json:"address"`
	Mac       core.MACKey  `json:"mac"`
	State     string       `json:"state"`
	Static    bool         `json:"static"`
	Pending   int          `json:"pending"`
}

func (o *neighborCache) Entries() []ApiNeighbor {
	r := make([]ApiNeighbor, 0, len(o.entries))
	for _, e := range o.entries {
		r = append(r, ApiNeighbor{
			Interface: e.ifc.Name,
			Address:   e.addr,
			Mac:       e.mac,
			State:     e.state.String(),
			Static:    e.static,
			Pending:   len(e.pending),
		})
	}
	return r
}
