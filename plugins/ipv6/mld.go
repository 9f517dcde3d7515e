package ipv6

/*
  MLDv1, RFC 2710

  A group is joined once per interface and reference counted. The all nodes group is a
  fixed membership that never reports. Delays are counted in service ticks.
*/

import (
	"encoding/binary"
	"fmt"
	"time"

	"emu6/core"

	"golang.org/x/net/icmp"
	xipv6 "golang.org/x/net/ipv6"
)

const (
	MLD_MSG_LEN = 24 /* icmp header, max response delay, reserved and the group */
)

// hop by hop header with a router alert option (MLD) and a PadN
var mldRouterAlert = []byte{IP6_ICMP, 0, IP6_OPTION_ROUTER_ALERT, 2, 0, 0, IP6_OPTION_PADN, 0}

// MldGroup membership of the interface
type MldGroup struct {
	Address  core.Ipv6Key
	Mac      core.MACKey
	refcnt   uint32
	sendByUs bool   /* we sent the last report, a done is needed on leave */
	delay    uint32 /* ticks until the next report, 0 no report is scheduled */
	fixed    bool
}

type mldStats struct {
	rxQueries      uint64
	rxGenQueries   uint64
	rxGroupQueries uint64
	rxBadQueries   uint64
	rxReports      uint64
	rxDone         uint64
	rxNora         uint64
	rxTooShort     uint64
	txReports      uint64
	txDone         uint64
	txErr          uint64
	opsJoin        uint64
	opsLeave       uint64
}

func newMldStatsDb(name string, o *mldStats) *core.CCounterDb {
	db := core.NewCCounterDb("mld_" + name)
	db.Add(&core.CCounterRec{
		Counter:  &o.rxQueries,
		Name:     "rxQueries",
		Help:     "received MLD queries",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.rxGenQueries,
		Name:     "rxGenQueries",
		Help:     "received general queries",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.rxGroupQueries,
		Name:     "rxGroupQueries",
		Help:     "received group specific queries",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.rxBadQueries,
		Name:     "rxBadQueries",
		Help:     "queries with hop limit other than 1 or not link local source",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScERROR})
	db.Add(&core.CCounterRec{
		Counter:  &o.rxReports,
		Name:     "rxReports",
		Help:     "reports of other nodes",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.rxDone,
		Name:     "rxDone",
		Help:     "done messages",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.rxNora,
		Name:     "rxNora",
		Help:     "received w/o Router Alert option",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScWARNING})
	db.Add(&core.CCounterRec{
		Counter:  &o.rxTooShort,
		Name:     "rxTooShort",
		Help:     "received with too few bytes",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScERROR})
	db.Add(&core.CCounterRec{
		Counter:  &o.txReports,
		Name:     "txReports",
		Help:     "sent membership reports",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.txDone,
		Name:     "txDone",
		Help:     "sent done messages",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.txErr,
		Name:     "txErr",
		Help:     "messages that could not be sent",
		Unit:     "pkts",
		DumpZero: false,
		Info:     core.ScERROR})
	db.Add(&core.CCounterRec{
		Counter:  &o.opsJoin,
		Name:     "opsJoin",
		Help:     "join requests",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	db.Add(&core.CCounterRec{
		Counter:  &o.opsLeave,
		Name:     "opsLeave",
		Help:     "leave requests",
		Unit:     "ops",
		DumpZero: false,
		Info:     core.ScINFO})
	return db
}

type mldIfCtx struct {
	ifc              *Ip6Interface
	svc              *Ip6Service
	groups           []*MldGroup
	unsolicitedTicks uint32
	stats            mldStats
	cdb              *core.CCounterDb
}

func newMldIfCtx(ifc *Ip6Interface, unsolicitedSec uint32) *mldIfCtx {
	o := &mldIfCtx{ifc: ifc, svc: ifc.svc}
	if unsolicitedSec == 0 {
		unsolicitedSec = IP6_UNSOLICITED_REPORT
	}
	o.unsolicitedTicks = uint32(time.Duration(unsolicitedSec) * time.Second / IP6_TIMER_INTERVAL)
	o.cdb = newMldStatsDb(ifc.Name, &o.stats)
	return o
}

func (o *mldIfCtx) find(addr core.Ipv6Key) *MldGroup {
	for _, g := range o.groups {
		if g.Address == addr {
			return g
		}
	}
	return nil
}

// IsMember true when the interface listens to the group
func (o *mldIfCtx) IsMember(addr *core.Ipv6Key) bool {
	return o.find(*addr) != nil
}

func (o *mldIfCtx) send(icmpType xipv6.ICMPType, group core.Ipv6Key, dst core.Ipv6Key) error {
	body := make([]byte, MLD_MSG_LEN-4)
	copy(body[4:], group[:])
	msg := &icmp.Message{Type: icmpType, Code: 0, Body: &icmp.RawBody{Data: body}}
	src := o.ifc.LinkLocal
	b, err := msg.Marshal(icmp.IPv6PseudoHeader(src.ToIP(), dst.ToIP()))
	if err != nil {
		return err
	}
	hdr := Ip6Header{
		NextHeader: IP6_HOP_BY_HOP,
		HopLimit:   1,
		Src:        src,
		Dst:        dst,
	}
	err = o.svc.Output(o.ifc, &hdr, mldRouterAlert, b, nil)
	if err != nil {
		o.stats.txErr++
	}
	return err
}

func (o *mldIfCtx) sendReport(g *MldGroup) {
	if err := o.send(xipv6.ICMPTypeMulticastListenerReport, g.Address, g.Address); err != nil {
		log.Debugf("%s: report of %s: %v", o.ifc.Name, g.Address, err)
		return
	}
	g.sendByUs = true
	o.stats.txReports++
}

// randomTicks uniform in [0, maxDelay] converted to ticks
func (o *mldIfCtx) randomTicks(maxDelay time.Duration) uint32 {
	d := time.Duration(o.svc.rnd.Int63n(int64(maxDelay) + 1))
	return uint32(d / IP6_TIMER_INTERVAL)
}

// Join add a reference to the group, the first one sends an unsolicited report
func (o *mldIfCtx) Join(addr core.Ipv6Key) error {
	if !addr.IsMulticast() {
		return fmt.Errorf("%w: %s is not multicast", core.ErrInvalidParameter, addr)
	}
	o.stats.opsJoin++
	if g := o.find(addr); g != nil {
		g.refcnt++
		return nil
	}
	g := &MldGroup{Address: addr, Mac: addr.MulticastMac(), refcnt: 1}
	o.groups = append(o.groups, g)
	if addr == core.Ipv6AllNodes {
		g.fixed = true
		return nil
	}
	log.Infof("%s: join %s", o.ifc.Name, addr)
	o.sendReport(g)
	/* repeat the unsolicited report */
	g.delay = o.randomTicks(time.Duration(o.unsolicitedTicks)*IP6_TIMER_INTERVAL) + 1
	return nil
}

// Leave release a reference, the last one sends a done when we sent the last report
func (o *mldIfCtx) Leave(addr core.Ipv6Key) error {
	g := o.find(addr)
	if g == nil {
		return fmt.Errorf("%w: group %s", core.ErrNotFound, addr)
	}
	if g.fixed && g.refcnt == 1 {
		return fmt.Errorf("%w: %s can't be left", core.ErrAccessDenied, addr)
	}
	o.stats.opsLeave++
	g.refcnt--
	if g.refcnt > 0 {
		return nil
	}
	for i, v := range o.groups {
		if v == g {
			o.groups = append(o.groups[:i], o.groups[i+1:]...)
			break
		}
	}
	log.Infof("%s: leave %s", o.ifc.Name, addr)
	if g.sendByUs {
		if err := o.send(xipv6.ICMPTypeMulticastListenerDone, g.Address, core.Ipv6AllRouters); err != nil {
			log.Debugf("%s: done of %s: %v", o.ifc.Name, g.Address, err)
		} else {
			o.stats.txDone++
		}
	}
	return nil
}

// schedule a report after a random delay up to maxDelay, a shorter running delay is kept
func (o *mldIfCtx) schedule(g *MldGroup, maxDelay time.Duration) {
	if g.fixed {
		return
	}
	ticks := o.randomTicks(maxDelay)
	if ticks == 0 {
		g.delay = 0
		o.sendReport(g)
		return
	}
	if g.delay == 0 || ticks < g.delay {
		g.delay = ticks
	}
}

func (o *mldIfCtx) input(hdr *Ip6Header, info *ExtHdrInfo, upper []byte) {
	if len(upper) < MLD_MSG_LEN {
		o.stats.rxTooShort++
		return
	}
	if !info.RouterAlert {
		o.stats.rxNora++
	}
	var group core.Ipv6Key
	copy(group[:], upper[8:24])

	switch upper[0] {
	case ICMP_V6_LISTENER_QUERY:
		o.stats.rxQueries++
		if hdr.HopLimit != 1 || !hdr.Src.IsLinkLocal() {
			o.stats.rxBadQueries++
			return
		}
		maxDelay := time.Duration(binary.BigEndian.Uint16(upper[4:6])) * time.Millisecond
		if group.IsUnspecified() {
			o.stats.rxGenQueries++
			for _, g := range o.groups {
				o.schedule(g, maxDelay)
			}
			return
		}
		o.stats.rxGroupQueries++
		if g := o.find(group); g != nil {
			o.schedule(g, maxDelay)
		}

	case ICMP_V6_LISTENER_REPORT:
		o.stats.rxReports++
		if g := o.find(group); g != nil && !g.fixed {
			g.delay = 0
			g.sendByUs = false
		}

	case ICMP_V6_LISTENER_DONE:
		o.stats.rxDone++
	}
}

func (o *mldIfCtx) tick() {
	for _, g := range o.groups {
		if g.delay == 0 {
			continue
		}
		g.delay--
		if g.delay == 0 {
			o.sendReport(g)
		}
	}
}

// leaveAll drop every group, used when the interface is removed
func (o *mldIfCtx) leaveAll() {
	for _, g := range o.groups {
		if g.sendByUs {
			o.send(xipv6.ICMPTypeMulticastListenerDone, g.Address, core.Ipv6AllRouters)
		}
	}
	o.groups = nil
}

// ApiMldGroup group as returned by the rpc
type ApiMldGroup struct {
	Group    core.Ipv6Key `json:"group"`
	Mac      core.MACKey  `json:"mac"`
	RefCnt   uint32       `json:"refcnt"`
	SendByUs bool         `json:"send_by_us"`
	Delay    uint32       `json:"delay"`
	Fixed    bool         `json:"fixed"`
}

func (o *mldIfCtx) Groups() []ApiMldGroup {
	r := make([]ApiMldGroup, 0, len(o.groups))
	for _, g := range o.groups {
		r = append(r, ApiMldGroup{
			Group:    g.Address,
			Mac:      g.Mac,
			RefCnt:   g.refcnt,
			SendByUs: g.sendByUs,
			Delay:    g.delay,
			Fixed:    g.fixed,
		})
	}
	return r
}
