// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package ipv6

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"emu6/core"

	"github.com/gaissmai/bart"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("ipv6")

// Ip6AddressInfo a local address of an interface
type Ip6AddressInfo struct {
	Address    core.Ipv6Key `json:"address"`
	PrefixLen  uint8        `json:"prefix_len"`
	Deprecated bool         `json:"deprecated"`
}

// Ip6Interface the ipv6 state of a link
type Ip6Interface struct {
	Name        string
	Index       int
	vif         core.VethIF
	svc         *Ip6Service
	LinkLocal   core.Ipv6Key
	addrs       []Ip6AddressInfo
	Promiscuous bool
	mld         *mldIfCtx
	instances   []*Ip6Instance
}

func (o *Ip6Interface) Mtu() uint32 {
	return o.vif.Mtu()
}

func (o *Ip6Interface) Mac() core.MACKey {
	return o.vif.Mac()
}

// IsLocal true for a unicast address of the interface
func (o *Ip6Interface) IsLocal(addr *core.Ipv6Key) bool {
	for i := range o.addrs {
		if o.addrs[i].Address == *addr {
			return true
		}
	}
	return false
}

func (o *Ip6Interface) Addresses() []Ip6AddressInfo {
	return append([]Ip6AddressInfo(nil), o.addrs...)
}

// JoinGroup add a reference to the group on the interface
func (o *Ip6Interface) JoinGroup(group core.Ipv6Key) error {
	return o.mld.Join(group)
}

func (o *Ip6Interface) LeaveGroup(group core.Ipv6Key) error {
	return o.mld.Leave(group)
}

func (o *Ip6Interface) Groups() []ApiMldGroup {
	return o.mld.Groups()
}

type ip6Stats struct {
	rxPkts          uint64
	rxNoInterface   uint64
	rxTooShort      uint64
	rxBadVersion    uint64
	rxTruncated     uint64
	rxBadSrc        uint64
	rxBadDst        uint64
	rxHopLimit      uint64
	rxNotForUs      uint64
	rxBadExtHdr     uint64
	rxReassembled   uint64
	rxIpsecDrop     uint64
	rxNoMbuf        uint64
	rxNoListener    uint64
	rxDelivered     uint64
	txPkts          uint64
	txErr           uint64
	txNoRoute       uint64
	txIpsecDrop     uint64
	txFragDatagrams uint64
	txFrags         uint64
	txLoopback      uint64
	neighborFailed  uint64
}

func newIp6StatsDb(o *ip6Stats) *core.CCounterDb {
	db := core.NewCCounterDb("ipv6")
	db.AddUint64(&o.rxPkts, "rxPkts", "packets received", core.ScINFO)
	db.AddUint64(&o.rxNoInterface, "rxNoInterface", "link without ipv6 interface", core.ScERROR)
	db.AddUint64(&o.rxTooShort, "rxTooShort", "shorter than the basic header", core.ScERROR)
	db.AddUint64(&o.rxBadVersion, "rxBadVersion", "version is not 6", core.ScERROR)
	db.AddUint64(&o.rxTruncated, "rxTruncated", "payload length bigger than the packet", core.ScERROR)
	db.AddUint64(&o.rxBadSrc, "rxBadSrc", "multicast or loopback source", core.ScERROR)
	db.AddUint64(&o.rxBadDst, "rxBadDst", "unspecified or loopback destination", core.ScERROR)
	db.AddUint64(&o.rxHopLimit, "rxHopLimit", "hop limit is zero", core.ScERROR)
	db.AddUint64(&o.rxNotForUs, "rxNotForUs", "destination is not local", core.ScINFO)
	db.AddUint64(&o.rxBadExtHdr, "rxBadExtHdr", "extension header validation failed", core.ScERROR)
	db.AddUint64(&o.rxReassembled, "rxReassembled", "reassembled datagrams", core.ScINFO)
	db.AddUint64(&o.rxIpsecDrop, "rxIpsecDrop", "dropped by inbound ipsec", core.ScWARNING)
	db.AddUint64(&o.rxNoMbuf, "rxNoMbuf", "no buffer for a copy", core.ScERROR)
	db.AddUint64(&o.rxNoListener, "rxNoListener", "no listener accepted the packet", core.ScINFO)
	db.AddUint64(&o.rxDelivered, "rxDelivered", "copies delivered to listeners", core.ScINFO)
	db.AddUint64(&o.txPkts, "txPkts", "datagrams sent", core.ScINFO)
	db.AddUint64(&o.txErr, "txErr", "datagrams that failed", core.ScERROR)
	db.AddUint64(&o.txNoRoute, "txNoRoute", "no route to the destination", core.ScERROR)
	db.AddUint64(&o.txIpsecDrop, "txIpsecDrop", "dropped by outbound ipsec", core.ScWARNING)
	db.AddUint64(&o.txFragDatagrams, "txFragDatagrams", "fragmented datagrams", core.ScINFO)
	db.AddUint64(&o.txFrags, "txFrags", "fragments sent", core.ScINFO)
	db.AddUint64(&o.txLoopback, "txLoopback", "frames to a local address", core.ScINFO)
	db.AddUint64(&o.neighborFailed, "neighborFailed", "frames dropped on resolution failure", core.ScERROR)
	return db
}

/*
Ip6Service the ipv6 engine of a thread. All the methods run on the thread, from the rx
handler, the timer or a posted call.
*/
type Ip6Service struct {
	tctx       *core.CThreadCtx
	cfg        core.Ipv6Config
	interfaces []*Ip6Interface
	ifcByVif   map[core.VethIF]*Ip6Interface
	onlink     *bart.Table[*Ip6Interface]
	routes     *RouteTable
	nd         *neighborCache
	reasm      *reassembler
	tokens     map[uint64]*TxToken
	protocols  map[uint8]int
	fragId     uint32
	nextTag    uint64
	hopLimit   uint8
	ipsec      IpSecHook
	ndHook     NdHook
	timer      core.CHTimerObj
	rnd        *rand.Rand
	stats      ip6Stats
	icmp       icmpStats
	cdb        *core.CCounterDb
	cdbv       *core.CCounterDbVec
}

var services = map[*core.CThreadCtx]*Ip6Service{}

// GetService the service of the thread, nil when there is none
func GetService(tctx *core.CThreadCtx) *Ip6Service {
	return services[tctx]
}

// NewService create the engine, it takes the rx handler of tctx and starts its tick
func NewService(tctx *core.CThreadCtx, cfg core.Ipv6Config) *Ip6Service {
	o := new(Ip6Service)
	o.tctx = tctx
	o.cfg = cfg
	o.ifcByVif = make(map[core.VethIF]*Ip6Interface)
	o.onlink = &bart.Table[*Ip6Interface]{}
	o.routes = NewRouteTable()
	o.nd = newNeighborCache(cfg.MaxNeighborPendingPkts, cfg.NeighborRetries)
	o.reasm = newReassembler(cfg.MaxReassemblyEntries, o.icmpErrorCb)
	o.tokens = make(map[uint64]*TxToken)
	o.protocols = make(map[uint8]int)
	o.hopLimit = cfg.DefaultHopLimit
	if o.hopLimit == 0 {
		o.hopLimit = IP6_DEFAULT_HOP_LIMIT
	}
	if tctx.Simulator {
		o.rnd = rand.New(rand.NewSource(0x1234))
	} else {
		o.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	o.fragId = o.rnd.Uint32()

	o.cdb = newIp6StatsDb(&o.stats)
	o.cdbv = core.NewCCounterDbVec("ipv6")
	o.cdbv.Add(o.cdb)
	o.cdbv.Add(newIcmpStatsDb(&o.icmp))
	o.cdbv.Add(o.routes.cdb)
	o.cdbv.Add(o.nd.cdb)
	o.cdbv.Add(o.reasm.cdb)
	tctx.GetCounterDbVec().AddVec(o.cdbv)

	tctx.SetRxHandler(o.input)
	o.timer.SetCB(o, 0, 0)
	tctx.GetTimerCtx().Start(&o.timer, IP6_TIMER_INTERVAL)
	services[tctx] = o
	return o
}

// NewServiceFromConfig create the service and apply the interfaces, routes and groups of
// cfg, the links are taken from tctx by name
func NewServiceFromConfig(tctx *core.CThreadCtx, cfg *core.Config) (*Ip6Service, error) {
	o := NewService(tctx, cfg.Ipv6)
	links := make(map[string]core.VethIF)
	for _, v := range tctx.Veths() {
		links[v.Name()] = v
	}
	for i := range cfg.Interfaces {
		ic := &cfg.Interfaces[i]
		vif, ok := links[ic.Name]
		if !ok {
			return nil, fmt.Errorf("%w: no link %s", core.ErrNotFound, ic.Name)
		}
		if _, err := o.AddInterface(vif, ic); err != nil {
			return nil, err
		}
	}
	for _, r := range cfg.Routes {
		if _, err := o.AddRoute(r.Dest, r.PrefixLen, r.Gateway); err != nil {
			return nil, err
		}
	}
	for _, g := range cfg.Groups {
		ifc := o.InterfaceByName(g.Interface)
		if ifc == nil {
			return nil, fmt.Errorf("%w: interface %s", core.ErrNotFound, g.Interface)
		}
		if err := ifc.JoinGroup(g.Group); err != nil {
			return nil, err
		}
	}
	for _, n := range cfg.Neighbors {
		ifc := o.InterfaceByName(n.Interface)
		if ifc == nil {
			return nil, fmt.Errorf("%w: interface %s", core.ErrNotFound, n.Interface)
		}
		if err := o.AddNeighbor(ifc, n.Address, n.Mac); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// AddInterface attach the ipv6 engine to a link. The link local address is derived from
// the mac, the interface joins the all nodes group
func (o *Ip6Service) AddInterface(vif core.VethIF, cfg *core.InterfaceConfig) (*Ip6Interface, error) {
	if _, ok := o.ifcByVif[vif]; ok {
		return nil, fmt.Errorf("%w: interface %s", core.ErrAlreadyExists, vif.Name())
	}
	if vif.Mtu() < IP6_MIN_LINK_MTU {
		return nil, fmt.Errorf("%w: mtu %d of %s", core.ErrInvalidParameter, vif.Mtu(), vif.Name())
	}
	ifc := &Ip6Interface{
		Name:  vif.Name(),
		Index: len(o.interfaces),
		vif:   vif,
		svc:   o,
	}
	if cfg != nil {
		ifc.Promiscuous = cfg.Promiscuous
	}
	ifc.mld = newMldIfCtx(ifc, o.cfg.UnsolicitedReportSec)
	o.cdbv.Add(ifc.mld.cdb)
	o.tctx.GetCounterDbVec().Add(ifc.mld.cdb)
	o.interfaces = append(o.interfaces, ifc)
	o.ifcByVif[vif] = ifc
	ifc.mld.Join(core.Ipv6AllNodes)

	mac := vif.Mac()
	if !mac.IsZero() {
		if err := o.AddAddress(ifc, core.LinkLocalFromMac(mac), 64, false); err != nil {
			return nil, err
		}
	}
	if cfg != nil {
		for _, a := range cfg.Addresses {
			if err := o.AddAddress(ifc, a.Address, a.PrefixLen, a.Deprecated); err != nil {
				return nil, err
			}
		}
	}
	log.Infof("%s: ipv6 interface mtu %d link local %s", ifc.Name, ifc.Mtu(), ifc.LinkLocal)
	return ifc, nil
}

func (o *Ip6Service) Interfaces() []*Ip6Interface {
	return o.interfaces
}

func (o *Ip6Service) InterfaceByName(name string) *Ip6Interface {
	for _, ifc := range o.interfaces {
		if ifc.Name == name {
			return ifc
		}
	}
	return nil
}

/*
AddAddress add a unicast address. The prefix is on link (a direct route and an entry of
the on link table) and the interface joins the solicited node group of the address.
*/
func (o *Ip6Service) AddAddress(ifc *Ip6Interface, addr core.Ipv6Key, prefixLen uint8, deprecated bool) error {
	if addr.IsMulticast() || addr.IsUnspecified() || addr.IsLoopback() || prefixLen > 128 {
		return fmt.Errorf("%w: address %s/%d", core.ErrInvalidParameter, addr, prefixLen)
	}
	for _, other := range o.interfaces {
		if other.IsLocal(&addr) {
			return fmt.Errorf("%w: address %s", core.ErrAlreadyExists, addr)
		}
	}
	ifc.addrs = append(ifc.addrs, Ip6AddressInfo{Address: addr, PrefixLen: prefixLen, Deprecated: deprecated})
	if addr.IsLinkLocal() && ifc.LinkLocal.IsUnspecified() {
		ifc.LinkLocal = addr
	}
	if !addr.IsLinkLocal() && prefixLen > 0 {
		pfx := netip.PrefixFrom(addr.Addr(), int(prefixLen)).Masked()
		o.onlink.Insert(pfx, ifc)
		if _, err := o.routes.AddRoute(addr, prefixLen, core.Ipv6Unspecified); err != nil {
			log.Debugf("%s: on link route of %s: %v", ifc.Name, addr, err)
		}
	}
	if err := ifc.mld.Join(addr.SolicitedNode()); err != nil {
		return err
	}
	log.Infof("%s: address %s/%d", ifc.Name, addr, prefixLen)
	return nil
}

// DelAddress remove the address, its on link prefix and direct route go with it when no
// other address of the interface shares them
func (o *Ip6Service) DelAddress(ifc *Ip6Interface, addr core.Ipv6Key) error {
	idx := -1
	for i := range ifc.addrs {
		if ifc.addrs[i].Address == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: address %s", core.ErrNotFound, addr)
	}
	a := ifc.addrs[idx]
	ifc.addrs = append(ifc.addrs[:idx], ifc.addrs[idx+1:]...)
	if addr == ifc.LinkLocal {
		ifc.LinkLocal = core.Ipv6Unspecified
		for _, b := range ifc.addrs {
			if b.Address.IsLinkLocal() {
				ifc.LinkLocal = b.Address
				break
			}
		}
	}
	if !addr.IsLinkLocal() && a.PrefixLen > 0 {
		shared := false
		for _, b := range ifc.addrs {
			if b.PrefixLen == a.PrefixLen && b.Address.IsNetEqual(&addr, a.PrefixLen) {
				shared = true
				break
			}
		}
		if !shared {
			o.onlink.Delete(netip.PrefixFrom(addr.Addr(), int(a.PrefixLen)).Masked())
			gw := core.Ipv6Unspecified
			o.routes.DeleteRoute(&addr, a.PrefixLen, &gw)
		}
	}
	ifc.mld.Leave(addr.SolicitedNode())
	return nil
}

func (o *Ip6Service) AddRoute(dest core.Ipv6Key, prefixLen uint8, gateway core.Ipv6Key) (*RouteEntry, error) {
	if gateway.IsMulticast() {
		return nil, fmt.Errorf("%w: gateway %s", core.ErrInvalidParameter, gateway)
	}
	e, err := o.routes.AddRoute(dest, prefixLen, gateway)
	if err == nil {
		log.Infof("route %s/%d via %s", e.Dest, prefixLen, gateway)
	}
	return e, err
}

func (o *Ip6Service) DeleteRoute(dest *core.Ipv6Key, prefixLen uint8, gateway *core.Ipv6Key) error {
	return o.routes.DeleteRoute(dest, prefixLen, gateway)
}

func (o *Ip6Service) Routes() *RouteTable {
	return o.routes
}

func (o *Ip6Service) SetResolver(r NeighborResolver) {
	o.nd.resolver = r
}

func (o *Ip6Service) SetIpSecHook(h IpSecHook) {
	o.ipsec = h
}

func (o *Ip6Service) SetNdHook(h NdHook) {
	o.ndHook = h
}

// AddNeighbor a static neighbor, frames waiting for it are sent
func (o *Ip6Service) AddNeighbor(ifc *Ip6Interface, addr core.Ipv6Key, mac core.MACKey) error {
	if addr.IsMulticast() || addr.IsUnspecified() {
		return fmt.Errorf("%w: neighbor %s", core.ErrInvalidParameter, addr)
	}
	e := o.nd.addStatic(ifc, addr, mac)
	o.flushPending(e)
	return nil
}

func (o *Ip6Service) DelNeighbor(addr core.Ipv6Key) error {
	e := o.nd.lookup(addr)
	if e == nil {
		return fmt.Errorf("%w: neighbor %s", core.ErrNotFound, addr)
	}
	delete(o.nd.entries, addr)
	o.failPending(e, fmt.Errorf("%w: neighbor %s removed", core.ErrAborted, addr))
	return nil
}

func (o *Ip6Service) Neighbors() []ApiNeighbor {
	return o.nd.Entries()
}

// NeighborResolved the answer of a resolution, the pending frames are sent
func (o *Ip6Service) NeighborResolved(addr core.Ipv6Key, mac core.MACKey) {
	e := o.nd.lookup(addr)
	if e == nil {
		return
	}
	if e.state != NEIGHBOR_REACHABLE {
		o.nd.stats.resolved++
	}
	e.state = NEIGHBOR_REACHABLE
	e.mac = mac
	e.ticks = 0
	e.retries = 0
	o.flushPending(e)
}

// NeighborFailed the resolution of addr failed, the pending frames are dropped
func (o *Ip6Service) NeighborFailed(addr core.Ipv6Key) {
	e := o.nd.lookup(addr)
	if e == nil || e.state == NEIGHBOR_REACHABLE {
		return
	}
	delete(o.nd.entries, addr)
	o.nd.stats.failed++
	o.failPending(e, fmt.Errorf("%w: neighbor %s", core.ErrTimeout, addr))
}

// flushPending send the waiting frames, a failed frame drops the rest of its datagram
func (o *Ip6Service) flushPending(e *neighborEntry) {
	var failed map[uint64]bool
	for _, f := range e.takePending() {
		if failed[f.tag] {
			f.m.FreeMbuf()
			continue
		}
		err := e.ifc.vif.SendFrame(e.mac, f.m, f.tag)
		if err != nil {
			if failed == nil {
				failed = make(map[uint64]bool)
			}
			failed[f.tag] = true
			o.stats.txErr++
		}
		o.frameSent(f.tag, err)
	}
}

func (o *Ip6Service) failPending(e *neighborEntry, err error) {
	for _, f := range e.takePending() {
		f.m.FreeMbuf()
		o.stats.neighborFailed++
		o.frameSent(f.tag, err)
	}
}

func (o *Ip6Service) IsProtocolRegistered(proto uint8) bool {
	return o.protocols[proto] > 0
}

// OnEvent the service timer
func (o *Ip6Service) OnEvent(a, b interface{}) {
	o.Tick()
	o.tctx.GetTimerCtx().Start(&o.timer, IP6_TIMER_INTERVAL)
}

// Tick age the reassembly entries, the MLD delays and the neighbor resolutions
func (o *Ip6Service) Tick() {
	o.reasm.Tick()
	for _, ifc := range o.interfaces {
		ifc.mld.tick()
	}
	for _, e := range o.nd.tick() {
		log.Debugf("%s: neighbor %s is not reachable", e.ifc.Name, e.addr)
		o.failPending(e, fmt.Errorf("%w: neighbor %s", core.ErrTimeout, e.addr))
	}
}

// Instances every listener of the service
func (o *Ip6Service) Instances() []ApiInstance {
	var r []ApiInstance
	for _, ifc := range o.interfaces {
		for _, inst := range ifc.instances {
			r = append(r, inst.api())
		}
	}
	return r
}

// Delete stop the timer and release the state
func (o *Ip6Service) Delete() {
	o.tctx.GetTimerCtx().Stop(&o.timer)
	for _, ifc := range o.interfaces {
		for len(ifc.instances) > 0 {
			ifc.instances[0].Destroy()
		}
		ifc.mld.leaveAll()
	}
	for _, e := range o.nd.entries {
		for _, f := range e.takePending() {
			f.m.FreeMbuf()
		}
	}
	o.tctx.SetRxHandler(nil)
	delete(services, o.tctx)
}
