// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package core

import (
	"encoding/hex"
	"fmt"
)

/*mbuf

A simplified version of DPDK/BSD mbuf library, single segment

1. It uses a cache of buffers for each packet size
2. The pool can be bounded, Alloc returns ErrOutOfResources above the limit
3. A buffer can be shared (refcnt), the last FreeMbuf gives it back
4. Single threaded -- owned by the thread context

	pool := NewMbufPool(1024, 0)
	m, err := pool.Alloc(128)
	m.Append([]byte{1,2,3})
	m.Prepend(hdr)
	m.FreeMbuf()

*/

const lRTE_PKTMBUF_HEADROOM = 128

// MAX_PACKET_SIZE the maximum packet size, a reassembled datagram with its header
const MAX_PACKET_SIZE uint32 = 65535 + 40

var poolSizes = [...]uint32{128, 256, 512, 1024, 2048, 4096, 9 * 1024, MAX_PACKET_SIZE}

// MbufPoolStats statistic
type MbufPoolStats struct {
	CntAlloc      uint64
	CntFree       uint64
	CntCacheAlloc uint64
	CntCacheFree  uint64
	CntAllocErr   uint64
	CntActive     uint64
}

type mbufPoolSize struct {
	cache        []*Mbuf
	maxCacheSize uint32
	mbufSize     uint32 /* buffer size without the headroom */
}

// MbufPool cache of mbufs per packet size
type MbufPool struct {
	pools     []mbufPoolSize
	maxActive uint32 /* 0 means unbounded */
	stats     MbufPoolStats
	Cdb       *CCounterDb
}

// NewMbufPool maxCacheSize is the number of cached buffers per size, maxActive the
// number of buffers that can be allocated at the same time (0 for no limit)
func NewMbufPool(maxCacheSize uint32, maxActive uint32) *MbufPool {
	o := new(MbufPool)
	o.maxActive = maxActive
	o.pools = make([]mbufPoolSize, len(poolSizes))
	for i, s := range poolSizes {
		o.pools[i].maxCacheSize = maxCacheSize
		o.pools[i].mbufSize = s
	}
	o.Cdb = NewCCounterDb("mbuf")
	o.Cdb.AddUint64(&o.stats.CntAlloc, "mbufAlloc", "new buffers", ScINFO)
	o.Cdb.AddUint64(&o.stats.CntFree, "mbufFree", "buffers released to gc", ScINFO)
	o.Cdb.AddUint64(&o.stats.CntCacheAlloc, "mbufCacheAlloc", "buffers from cache", ScINFO)
	o.Cdb.AddUint64(&o.stats.CntCacheFree, "mbufCacheFree", "buffers to cache", ScINFO)
	o.Cdb.AddUint64(&o.stats.CntAllocErr, "mbufAllocErr", "allocation above the limit", ScERROR)
	o.Cdb.AddUint64(&o.stats.CntActive, "mbufActive", "active buffers", ScINFO)
	return o
}

// GetStats return a copy of the statistics
func (o *MbufPool) GetStats() MbufPoolStats {
	return o.stats
}

// HitRate return the hit rate in precent
func (o *MbufPoolStats) HitRate() float32 {
	if o.CntCacheFree == 0 {
		return 0.0
	}
	return float32(o.CntCacheAlloc) * 100.0 / float32(o.CntCacheFree)
}

// Alloc new mbuf from the right pool
func (o *MbufPool) Alloc(size uint32) (*Mbuf, error) {
	if o.maxActive > 0 && o.stats.CntActive >= uint64(o.maxActive) {
		o.stats.CntAllocErr++
		return nil, fmt.Errorf("%w: mbuf pool limit %d", ErrOutOfResources, o.maxActive)
	}
	for i := range o.pools {
		ps := &o.pools[i]
		if size <= ps.mbufSize {
			o.stats.CntActive++
			return o.newMbuf(ps), nil
		}
	}
	o.stats.CntAllocErr++
	return nil, fmt.Errorf("%w: mbuf size %d is too big", ErrBadBufferSize, size)
}

// AllocData alloc and copy d into it
func (o *MbufPool) AllocData(d []byte) (*Mbuf, error) {
	m, err := o.Alloc(uint32(len(d)))
	if err != nil {
		return nil, err
	}
	m.Append(d)
	return m, nil
}

func (o *MbufPool) newMbuf(ps *mbufPoolSize) *Mbuf {
	var m *Mbuf
	if n := len(ps.cache); n > 0 {
		o.stats.CntCacheAlloc++
		m = ps.cache[n-1]
		ps.cache[n-1] = nil
		ps.cache = ps.cache[:n-1]
	} else {
		o.stats.CntAlloc++
		m = &Mbuf{
			pool: o,
			ps:   ps,
			data: make([]byte, ps.mbufSize+lRTE_PKTMBUF_HEADROOM),
		}
	}
	m.resetMbuf()
	return m
}

func (o *MbufPool) freeMbuf(m *Mbuf) {
	o.stats.CntActive--
	ps := m.ps
	if uint32(len(ps.cache)) < ps.maxCacheSize {
		ps.cache = append(ps.cache, m)
		o.stats.CntCacheFree++
	} else {
		o.stats.CntFree++
	}
}

// Mbuf represent a packet buffer
type Mbuf struct {
	pool    *MbufPool
	ps      *mbufPoolSize
	refcnt  uint16
	dataOff uint32
	dataLen uint32
	data    []byte
}

func (o *Mbuf) resetMbuf() {
	o.dataLen = 0
	o.dataOff = lRTE_PKTMBUF_HEADROOM
	o.refcnt = 1
}

// PktLen return the packet len
func (o *Mbuf) PktLen() uint32 {
	return o.dataLen
}

// Tailroom return the amount of bytes left in the tail
func (o *Mbuf) Tailroom() uint32 {
	return uint32(len(o.data)) - o.dataOff - o.dataLen
}

// Headroom return the amount of bytes left in the head
func (o *Mbuf) Headroom() uint32 {
	return o.dataOff
}

// AddRef the buffer is shared by one more owner, each owner calls FreeMbuf
func (o *Mbuf) AddRef() {
	o.refcnt++
}

func (o *Mbuf) IsShared() bool {
	return o.refcnt > 1
}

// Prepend - prepend buffer. panic in case there is no enough room. check before with Headroom()
func (o *Mbuf) Prepend(d []byte) {
	copy(o.PrependSpace(uint32(len(d))), d)
}

// PrependSpace return a slice of size bytes in front of the data
func (o *Mbuf) PrependSpace(size uint32) []byte {
	if size > o.dataOff {
		panic(fmt.Sprintf(" prepend %d bytes to mbuf remain size %d", size, o.dataOff))
	}
	o.dataOff -= size
	o.dataLen += size
	return o.data[o.dataOff : o.dataOff+size]
}

// GetData return the byte stream of current object
func (o *Mbuf) GetData() []byte {
	return o.data[o.dataOff:(o.dataOff + o.dataLen)]
}

// Append  Append buffer to an mbuf - panic in case there is no room. check left space with Tailroom()
func (o *Mbuf) Append(d []byte) {
	copy(o.AppendSpace(uint32(len(d))), d)
}

// AppendSpace return a slice of size bytes after the data
func (o *Mbuf) AppendSpace(size uint32) []byte {
	if size > o.Tailroom() {
		panic(fmt.Sprintf(" append %d to mbuf remain size %d", size, o.Tailroom()))
	}
	off := o.dataOff + o.dataLen
	o.dataLen += size
	return o.data[off : off+size]
}

// Trim - Remove len bytes of data at the end of the mbuf.
func (o *Mbuf) Trim(dlen uint32) {
	if dlen > o.dataLen {
		panic(fmt.Sprintf(" trim %d bigger than packet len %d", dlen, o.dataLen))
	}
	o.dataLen -= dlen
}

// TrimTo keep only the first size bytes
func (o *Mbuf) TrimTo(size uint32) {
	if size < o.dataLen {
		o.dataLen = size
	}
}

// Adj - Remove len bytes at the beginning of an mbuf.
func (o *Mbuf) Adj(dlen uint32) error {
	if dlen > o.dataLen {
		return fmt.Errorf("%w: adj %d bigger than packet len %d", ErrBadBufferSize, dlen, o.dataLen)
	}
	o.dataLen -= dlen
	o.dataOff += dlen
	return nil
}

// Clone deep copy, the new buffer is owned by the caller
func (o *Mbuf) Clone() (*Mbuf, error) {
	m, err := o.pool.Alloc(o.dataLen)
	if err != nil {
		return nil, err
	}
	m.Append(o.GetData())
	return m, nil
}

// FreeMbuf to original pool, the mbuf can't be used after this function by this owner
func (o *Mbuf) FreeMbuf() {
	if o.refcnt == 0 {
		panic(" mbuf double free ")
	}
	o.refcnt--
	if o.refcnt == 0 {
		o.pool.freeMbuf(o)
	}
}

// String debug dump as buffer
func (o *Mbuf) String() string {
	s := fmt.Sprintf(" pktlen : %d, refcnt : %d, buflen : %d \n", o.dataLen, o.refcnt, len(o.data))
	if o.dataLen > 0 {
		s += hex.Dump(o.GetData())
	} else {
		s += " Empty\n"
	}
	return s
}
