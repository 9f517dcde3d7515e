package ipv6

/* route table and route cache

table : 129 buckets indexed by prefix length, longest prefix match scans 128..0
cache : (dst,src) -> next hop, 31 buckets, promote on hit, the tail is evicted
        above IP6_ROUTE_CACHE_MAX entries. Each cache entry is tagged with the
        route entry that created it, deleting a route purges its cache entries

*/

import (
	"encoding/binary"
	"fmt"

	"emu6/core"
)

// RouteEntry a static route, Direct means the destination is on-link
type RouteEntry struct {
	Dest      core.Ipv6Key
	PrefixLen uint8
	NextHop   core.Ipv6Key
	Direct    bool
	refcnt    uint32
	tag       uint64
}

// RefCnt number of owners, the table is one of them while the entry is installed
func (o *RouteEntry) RefCnt() uint32 {
	return o.refcnt
}

func (o *RouteEntry) Tag() uint64 {
	return o.tag
}

// Put release a handle returned by FindRouteEntry
func (o *RouteEntry) Put() {
	if o.refcnt == 0 {
		panic(" route entry double free ")
	}
	o.refcnt--
}

// RouteCacheEntry resolved (dst,src) pair
type RouteCacheEntry struct {
	Dest          core.Ipv6Key
	Src           core.Ipv6Key
	NextHop       core.Ipv6Key
	PathMtu       uint32 /* learned from packet too big, 0 not known */
	ForceFragment bool   /* packet too big reported a mtu below the minimum link mtu */
	tag           uint64
	refcnt        uint32
}

func (o *RouteCacheEntry) RefCnt() uint32 {
	return o.refcnt
}

func (o *RouteCacheEntry) Tag() uint64 {
	return o.tag
}

// Put release a handle returned by Route
func (o *RouteCacheEntry) Put() {
	if o.refcnt == 0 {
		panic(" route cache entry double free ")
	}
	o.refcnt--
}

type routeStats struct {
	routeAdd      uint64
	routeDel      uint64
	lookups       uint64
	cacheHit      uint64
	cacheMiss     uint64
	cacheEvict    uint64
	cachePurge    uint64
	noRoute       uint64
	pathMtuUpdate uint64
}

func newRouteStatsDb(o *routeStats) *core.CCounterDb {
	db := core.NewCCounterDb("route")
	db.Add(&core.CCounterRec{
		Counter:  &o.routeAdd,
		Name:     "routeAdd",
		Help:     "routes added",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.routeDel,
		Name:     "routeDel",
		Help:     "routes removed",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.lookups,
		Name:     "lookups",
		Help:     "route lookups",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.cacheHit,
		Name:     "cacheHit",
		Help:     "route cache hit",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.cacheMiss,
		Name:     "cacheMiss",
		Help:     "route cache miss",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.cacheEvict,
		Name:     "cacheEvict",
		Help:     "cache entries evicted from a full bucket",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScWARNING})
	db.Add(&core.CCounterRec{
		Counter:  &o.cachePurge,
		Name:     "cachePurge",
		Help:     "cache entries purged by a route delete",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.noRoute,
		Name:     "noRoute",
		Help:     "no matching route",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScERROR})
	db.Add(&core.CCounterRec{
		Counter:  &o.pathMtuUpdate,
		Name:     "pathMtuUpdate",
		Help:     "path mtu learned from packet too big",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	return db
}

// RouteTable the route table and its cache, owned by the service
type RouteTable struct {
	buckets [IP6_PREFIX_NUM][]*RouteEntry
	total   uint32
	cache   [IP6_ROUTE_CACHE_HASH_SIZE][]*RouteCacheEntry
	nextTag uint64
	stats   routeStats
	cdb     *core.CCounterDb
}

func NewRouteTable() *RouteTable {
	o := new(RouteTable)
	o.cdb = newRouteStatsDb(&o.stats)
	return o
}

func routeCacheHash(dst, src *core.Ipv6Key) uint32 {
	return (binary.BigEndian.Uint32(dst[0:4]) ^ binary.BigEndian.Uint32(src[0:4])) % IP6_ROUTE_CACHE_HASH_SIZE
}

// Total number of route entries
func (o *RouteTable) Total() uint32 {
	return o.total
}

// AddRoute insert at the head of the prefix length bucket
func (o *RouteTable) AddRoute(dest core.Ipv6Key, prefixLen uint8, gateway core.Ipv6Key) (*RouteEntry, error) {
	if prefixLen > 128 {
		return nil, fmt.Errorf("%w: prefix length %d", core.ErrInvalidParameter, prefixLen)
	}
	dest = dest.Prefix(prefixLen)
	for _, e := range o.buckets[prefixLen] {
		if e.Dest == dest && e.NextHop == gateway {
			return nil, fmt.Errorf("%w: route %s/%d via %s", core.ErrAlreadyExists, dest, prefixLen, gateway)
		}
	}
	o.nextTag++
	e := &RouteEntry{
		Dest:      dest,
		PrefixLen: prefixLen,
		NextHop:   gateway,
		Direct:    gateway.IsUnspecified(),
		refcnt:    1,
		tag:       o.nextTag,
	}
	b := o.buckets[prefixLen]
	b = append(b, nil)
	copy(b[1:], b)
	b[0] = e
	o.buckets[prefixLen] = b
	o.total++
	o.stats.routeAdd++
	return e, nil
}

// DeleteRoute nil dest or gateway match any value, every removed entry purges its cache entries
func (o *RouteTable) DeleteRoute(dest *core.Ipv6Key, prefixLen uint8, gateway *core.Ipv6Key) error {
	if prefixLen > 128 {
		return fmt.Errorf("%w: prefix length %d", core.ErrInvalidParameter, prefixLen)
	}
	var d core.Ipv6Key
	if dest != nil {
		d = dest.Prefix(prefixLen)
	}
	found := false
	b := o.buckets[prefixLen][:0]
	for _, e := range o.buckets[prefixLen] {
		if (dest == nil || e.Dest == d) && (gateway == nil || e.NextHop == *gateway) {
			found = true
			o.PurgeCache(e.tag)
			e.Put()
			o.total--
			o.stats.routeDel++
			continue
		}
		b = append(b, e)
	}
	old := o.buckets[prefixLen]
	for i := len(b); i < len(old); i++ {
		old[i] = nil
	}
	o.buckets[prefixLen] = b
	if !found {
		return fmt.Errorf("%w: route /%d", core.ErrNotFound, prefixLen)
	}
	return nil
}

// FindRouteEntry longest prefix match by destination, or by next hop when dest is nil.
// The returned entry has a reference, release it with Put
func (o *RouteTable) FindRouteEntry(dest *core.Ipv6Key, nextHop *core.Ipv6Key) *RouteEntry {
	for l := 128; l >= 0; l-- {
		for _, e := range o.buckets[l] {
			if dest != nil {
				if dest.IsNetEqual(&e.Dest, e.PrefixLen) {
					e.refcnt++
					return e
				}
			} else if nextHop != nil {
				if nextHop.IsNetEqual(&e.NextHop, e.PrefixLen) {
					e.refcnt++
					return e
				}
			}
		}
	}
	return nil
}

// lookupCache return the cache entry without a reference and promote it, nil on miss
func (o *RouteTable) lookupCache(dest, src *core.Ipv6Key) *RouteCacheEntry {
	h := routeCacheHash(dest, src)
	b := o.cache[h]
	for i, c := range b {
		if c.Dest == *dest && c.Src == *src {
			if i > 0 {
				copy(b[1:i+1], b[0:i])
				b[0] = c
			}
			return c
		}
	}
	return nil
}

// Route resolve the next hop of (dest, src), the cache is checked first. The returned
// entry has a reference, release it with Put
func (o *RouteTable) Route(dest, src core.Ipv6Key) (*RouteCacheEntry, error) {
	o.stats.lookups++
	if c := o.lookupCache(&dest, &src); c != nil {
		o.stats.cacheHit++
		c.refcnt++
		return c, nil
	}
	o.stats.cacheMiss++
	e := o.FindRouteEntry(&dest, nil)
	if e == nil {
		o.stats.noRoute++
		return nil, fmt.Errorf("%w: no route to %s", core.ErrNotFound, dest)
	}
	c := &RouteCacheEntry{
		Dest:   dest,
		Src:    src,
		tag:    e.tag,
		refcnt: 2, /* cache and caller */
	}
	if e.Direct {
		c.NextHop = dest
	} else {
		c.NextHop = e.NextHop
	}
	e.Put()

	h := routeCacheHash(&dest, &src)
	b := o.cache[h]
	if len(b) >= IP6_ROUTE_CACHE_MAX {
		last := b[len(b)-1]
		last.Put()
		b[len(b)-1] = nil
		b = b[:len(b)-1]
		o.stats.cacheEvict++
	}
	b = append(b, nil)
	copy(b[1:], b)
	b[0] = c
	o.cache[h] = b
	return c, nil
}

// PurgeCache remove every cache entry created by the route entry with this tag
func (o *RouteTable) PurgeCache(tag uint64) int {
	n := 0
	for h := range o.cache {
		b := o.cache[h][:0]
		for _, c := range o.cache[h] {
			if c.tag == tag {
				c.Put()
				n++
				continue
			}
			b = append(b, c)
		}
		old := o.cache[h]
		for i := len(b); i < len(old); i++ {
			old[i] = nil
		}
		o.cache[h] = b
	}
	o.stats.cachePurge += uint64(n)
	return n
}

// CacheLen number of cache entries
func (o *RouteTable) CacheLen() int {
	n := 0
	for h := range o.cache {
		n += len(o.cache[h])
	}
	return n
}

// SetPathMtu record a packet too big for (dest, src). A mtu below the minimum link mtu
// keeps the minimum and forces a fragment header on the next datagrams
func (o *RouteTable) SetPathMtu(dest, src core.Ipv6Key, mtu uint32) error {
	c, err := o.Route(dest, src)
	if err != nil {
		return err
	}
	defer c.Put()
	if mtu < IP6_MIN_LINK_MTU {
		c.PathMtu = IP6_MIN_LINK_MTU
		c.ForceFragment = true
	} else if c.PathMtu == 0 || mtu < c.PathMtu {
		c.PathMtu = mtu
	}
	o.stats.pathMtuUpdate++
	return nil
}

// ApiRoute route entry as returned by the rpc
type ApiRoute struct {
	Dest      core.Ipv6Key `json:"dest"`
	PrefixLen uint8        `json:"prefix_len"`
	Gateway   core.Ipv6Key `json:"gateway"`
	Direct    bool         `json:"direct"`
	RefCnt    uint32       `json:"refcnt"`
}

// Routes snapshot, longest prefix first
func (o *RouteTable) Routes() []ApiRoute {
	r := make([]ApiRoute, 0, o.total)
	for l := 128; l >= 0; l-- {
		for _, e := range o.buckets[l] {
			r = append(r, ApiRoute{
				Dest:      e.Dest,
				PrefixLen: e.PrefixLen,
				Gateway:   e.NextHop,
				Direct:    e.Direct,
				RefCnt:    e.refcnt,
			})
		}
	}
	return r
}
