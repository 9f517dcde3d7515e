// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package core

import (
	"bytes"
	"errors"
	"testing"
)

func getBufIndex(size uint32) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

func TestMbufAppendPrepend(t *testing.T) {
	pool := NewMbufPool(16, 0)
	m, err := pool.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	m.Append(getBufIndex(100))
	m.Prepend([]byte{0xaa, 0xbb})
	if m.PktLen() != 102 {
		t.Fatalf("pktlen %d", m.PktLen())
	}
	d := m.GetData()
	if d[0] != 0xaa || d[2] != 0 || d[101] != 99 {
		t.Fatalf("bad data %v", m)
	}
	if err := m.Adj(2); err != nil {
		t.Fatal(err)
	}
	m.Trim(50)
	if !bytes.Equal(m.GetData(), getBufIndex(50)) {
		t.Fatalf("bad data after adj/trim %v", m)
	}
	if err := m.Adj(51); !errors.Is(err, ErrBadBufferSize) {
		t.Fatalf("expected ErrBadBufferSize got %v", err)
	}
	m.FreeMbuf()
	st := pool.GetStats()
	if st.CntActive != 0 || st.CntCacheFree != 1 {
		t.Fatalf("stats %+v", st)
	}
	m, _ = pool.Alloc(100)
	if pool.GetStats().CntCacheAlloc != 1 {
		t.Fatalf("expected a cache hit %+v", pool.GetStats())
	}
	m.FreeMbuf()
}

func TestMbufLimit(t *testing.T) {
	pool := NewMbufPool(16, 2)
	m1, err1 := pool.Alloc(64)
	m2, err2 := pool.Alloc(2000)
	if err1 != nil || err2 != nil {
		t.Fatalf("alloc %v %v", err1, err2)
	}
	if _, err := pool.Alloc(64); !errors.Is(err, ErrOutOfResources) {
		t.Fatalf("expected ErrOutOfResources got %v", err)
	}
	m1.FreeMbuf()
	m3, err := pool.Alloc(64)
	if err != nil {
		t.Fatalf("alloc after free %v", err)
	}
	m2.FreeMbuf()
	m3.FreeMbuf()
	if _, err := pool.Alloc(MAX_PACKET_SIZE + 1); !errors.Is(err, ErrBadBufferSize) {
		t.Fatalf("expected ErrBadBufferSize got %v", err)
	}
}

func TestMbufShared(t *testing.T) {
	pool := NewMbufPool(16, 0)
	m, _ := pool.AllocData(getBufIndex(300))
	m.AddRef()
	if !m.IsShared() {
		t.Fatalf("expected shared")
	}
	c, err := m.Clone()
	if err != nil {
		t.Fatal(err)
	}
	c.GetData()[0] = 0xff
	if m.GetData()[0] != 0 {
		t.Fatalf("clone shares the data")
	}
	m.FreeMbuf()
	if pool.GetStats().CntActive != 2 {
		t.Fatalf("active %d", pool.GetStats().CntActive)
	}
	m.FreeMbuf()
	c.FreeMbuf()
	if pool.GetStats().CntActive != 0 {
		t.Fatalf("active %d", pool.GetStats().CntActive)
	}
}
