// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

//go:build linux

package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/songgao/water"
)

const MAX_PKT_SIZE = 10 * 1024

// VethTap link over a linux tap device, the rx goroutine hands frames to the thread
type VethTap struct {
	VethBase
	tapif *water.Interface
	done  chan struct{}
}

// NewVethTap open (or attach to a persistent) tap device, name is the link name seen by
// the engine and may differ from the device
func NewVethTap(tctx *CThreadCtx, name string, tapname string, mac MACKey, mtu uint32) (*VethTap, error) {
	o := new(VethTap)
	config := water.Config{
		DeviceType: water.TAP,
	}
	config.Persist = true
	config.Name = tapname

	var err error
	o.tapif, err = water.New(config)
	if err != nil {
		return nil, fmt.Errorf("%w: tap %s: %v", ErrNotStarted, tapname, err)
	}
	o.done = make(chan struct{})
	o.init(tctx, name, mac, mtu, o.writeTap)
	tctx.AddVeth(o)
	return o, nil
}

func (o *VethTap) writeTap(b []byte) error {
	_, err := o.tapif.Write(b)
	return err
}

// StartRxThread start the reader, frames are copied since the ring is reused
func (o *VethTap) StartRxThread() {
	go o.rxThread()
}

func (o *VethTap) rxThread() {
	buf := make([]byte, MAX_PKT_SIZE)
	for {
		cnt, err := o.tapif.Read(buf)
		if err != nil {
			select {
			case <-o.done:
				return
			default:
			}
			if errors.Is(err, os.ErrClosed) {
				return
			}
			log.Warningf("%s: read error %v", o.name, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		frame := append([]byte(nil), buf[:cnt]...)
		o.tctx.OnRx(o, frame)
	}
}

// SimulatorCheckRxQueue nothing to do, frames come from the rx goroutine
func (o *VethTap) SimulatorCheckRxQueue() {
}

func (o *VethTap) Close() error {
	close(o.done)
	return o.tapif.Close()
}
