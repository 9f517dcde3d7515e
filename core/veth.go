package core

import (
	"encoding/binary"
	"fmt"
)

const (
	ETH_HDR_LEN        = 14
	ETH_TYPE_IPV6      = 0x86dd
	vETH_MAX_TX_QUEUE  = 4096
	vETH_DEFAULT_MTU   = 1500
	vETH_MIN_IPV6_MTU  = 1280
	vETH_RX_QUEUE_SIZE = 1024
)

type VethStats struct {
	TxPkts        uint64
	TxBytes       uint64
	RxPkts        uint64
	RxBytes       uint64
	TxCancel      uint64 /* removed from the tx queue by CancelTx */
	TxErr         uint64
	TxDropFull    uint64
	RxDropNotIpv6 uint64
	RxDropShort   uint64
}

func newVethStatsDb(name string, o *VethStats) *CCounterDb {
	db := NewCCounterDb("veth_" + name)
	db.AddUint64(&o.TxPkts, "txPkts", "tx frames", ScINFO)
	db.AddUint64(&o.TxBytes, "txBytes", "tx bytes", ScINFO)
	db.AddUint64(&o.RxPkts, "rxPkts", "rx frames", ScINFO)
	db.AddUint64(&o.RxBytes, "rxBytes", "rx bytes", ScINFO)
	db.AddUint64(&o.TxCancel, "txCancel", "tx frames canceled before flush", ScWARNING)
	db.AddUint64(&o.TxErr, "txErr", "tx write errors", ScERROR)
	db.AddUint64(&o.TxDropFull, "txDropFull", "tx queue is full", ScERROR)
	db.AddUint64(&o.RxDropNotIpv6, "rxDropNotIpv6", "rx ether type is not ipv6", ScINFO)
	db.AddUint64(&o.RxDropShort, "rxDropShort", "rx frame too short", ScERROR)
	return db
}

/*
VethIF represent a link that can send and receive ipv6 packets.

	SendFrame queue the frame, FlushTx (called by the thread ctx when the outermost
	section ends) writes the queue to the link. Frames still in the queue can be
	removed by CancelTx using the tag given to SendFrame
*/
type VethIF interface {
	Name() string

	Mac() MACKey

	Mtu() uint32

	/* m holds an ipv6 packet, ownership moves to the link even on error */
	SendFrame(dst MACKey, m *Mbuf, tag uint64) error

	/* remove queued frames with this tag, return the number of frames removed */
	CancelTx(tag uint64) int

	/* Flush the tx buffer and send the packets */
	FlushTx()

	/* get the veth stats */
	GetStats() *VethStats

	GetCdb() *CCounterDb

	SimulatorCheckRxQueue()

	Close() error
}

type txFrame struct {
	m   *Mbuf
	tag uint64
}

// VethBase common tx queue, the link specific part is the write callback
type VethBase struct {
	name  string
	mac   MACKey
	mtu   uint32
	tctx  *CThreadCtx
	txq   []txFrame
	stats VethStats
	cdb   *CCounterDb
	write func(b []byte) error
}

func (o *VethBase) init(tctx *CThreadCtx, name string, mac MACKey, mtu uint32, write func(b []byte) error) {
	if mtu == 0 {
		mtu = vETH_DEFAULT_MTU
	}
	o.name = name
	o.mac = mac
	o.mtu = mtu
	o.tctx = tctx
	o.write = write
	o.cdb = newVethStatsDb(name, &o.stats)
}

func (o *VethBase) Name() string {
	return o.name
}

func (o *VethBase) Mac() MACKey {
	return o.mac
}

func (o *VethBase) Mtu() uint32 {
	return o.mtu
}

func (o *VethBase) GetStats() *VethStats {
	return &o.stats
}

func (o *VethBase) GetCdb() *CCounterDb {
	return o.cdb
}

// SendFrame add the ethernet header and queue the frame
func (o *VethBase) SendFrame(dst MACKey, m *Mbuf, tag uint64) error {
	if m.PktLen() > o.mtu {
		m.FreeMbuf()
		o.stats.TxErr++
		return fmt.Errorf("%w: frame %d is bigger than mtu %d", ErrBadBufferSize, m.PktLen(), o.mtu)
	}
	if len(o.txq) >= vETH_MAX_TX_QUEUE {
		m.FreeMbuf()
		o.stats.TxDropFull++
		return fmt.Errorf("%w: tx queue of %s is full", ErrOutOfResources, o.name)
	}
	eth := m.PrependSpace(ETH_HDR_LEN)
	copy(eth[0:6], dst[:])
	copy(eth[6:12], o.mac[:])
	binary.BigEndian.PutUint16(eth[12:14], ETH_TYPE_IPV6)
	o.txq = append(o.txq, txFrame{m: m, tag: tag})
	return nil
}

func (o *VethBase) CancelTx(tag uint64) int {
	n := 0
	q := o.txq[:0]
	for _, f := range o.txq {
		if f.tag == tag {
			f.m.FreeMbuf()
			n++
			continue
		}
		q = append(q, f)
	}
	for i := len(q); i < len(o.txq); i++ {
		o.txq[i] = txFrame{}
	}
	o.txq = q
	o.stats.TxCancel += uint64(n)
	return n
}

func (o *VethBase) FlushTx() {
	for i, f := range o.txq {
		b := f.m.GetData()
		if err := o.write(b); err != nil {
			o.stats.TxErr++
			log.Debugf("%s: tx error %v", o.name, err)
		} else {
			o.stats.TxPkts++
			o.stats.TxBytes += uint64(len(b))
		}
		f.m.FreeMbuf()
		o.txq[i] = txFrame{}
	}
	o.txq = o.txq[:0]
}

// rxFrame strip the ethernet header and hand the ipv6 packet to the thread
func (o *VethBase) rxFrame(vif VethIF, frame []byte) {
	if len(frame) < ETH_HDR_LEN {
		o.stats.RxDropShort++
		return
	}
	if binary.BigEndian.Uint16(frame[12:14]) != ETH_TYPE_IPV6 {
		o.stats.RxDropNotIpv6++
		return
	}
	o.stats.RxPkts++
	o.stats.RxBytes += uint64(len(frame))
	m, err := o.tctx.MPool.AllocData(frame[ETH_HDR_LEN:])
	if err != nil {
		log.Debugf("%s: rx drop %v", o.name, err)
		return
	}
	o.tctx.HandleRx(vif, m)
}

/* VethIFSim simulate the peer of a link, it gets a tx frame and return rx frames (or nil) */
type VethIFSim interface {
	ProcessTxToRx(frame []byte) [][]byte
}
