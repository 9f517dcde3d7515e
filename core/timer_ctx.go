// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package core

import (
	"time"
)

/* one wheel per thread ctx, 10msec tick. the engine timers are
   coarse (500msec and up) so the simulator uses a smaller first level */

const (
	eTIMER_TICK                = 10 * time.Millisecond
	eTIMERW_SECOND_LEVEL_BURST = 32
)

type TimerCtx struct {
	Timer        *time.Timer // real time source, unused by the simulator
	TickDuration time.Duration
	timerw       *CNATimerWheel
	Ticks        uint64
	Cdb          *CCounterDb
}

func NewTimerCtx(simulation bool) *TimerCtx {
	level0 := uint32(1024)
	if simulation {
		level0 = 256
	}
	timerw, rc := NewTimerW(level0, 16)
	if rc != RC_HTW_OK {
		panic("can't init timew " + rc.String())
	}
	o := &TimerCtx{TickDuration: eTIMER_TICK, timerw: timerw}
	o.Timer = time.NewTimer(o.TickDuration)
	o.Cdb = NewCCounterDb("timerw")
	o.Cdb.AddUint64(&o.timerw.totalEvents, "activeTimer", "timers on the wheel", ScINFO)
	o.Cdb.AddUint64(&o.Ticks, "ticks", "wheel ticks since start", ScINFO)
	return o
}

// Stop the timer, a no-op when it is not running
func (o *TimerCtx) Stop(tmr *CHTimerObj) {
	o.timerw.Stop(tmr)
}

// DurationToTicks rounds down, a non zero duration shorter than a tick is one tick
func (o *TimerCtx) DurationToTicks(duration time.Duration) uint32 {
	ticks := uint32(duration / o.TickDuration)
	if ticks == 0 && duration > 0 {
		ticks = 1
	}
	return ticks
}

// Start restart tmr to fire after duration
func (o *TimerCtx) Start(tmr *CHTimerObj, duration time.Duration) {
	o.timerw.Start(tmr, o.DurationToTicks(duration))
}

// HandleTicks runs the expired callbacks, main loop only
func (o *TimerCtx) HandleTicks() {
	o.Ticks++
	o.timerw.OnTick(eTIMERW_SECOND_LEVEL_BURST)
}

func (o *TimerCtx) Rearm() {
	o.Timer.Reset(o.TickDuration)
}

// Elapsed wheel time since start, the simulated clock
func (o *TimerCtx) Elapsed() time.Duration {
	return time.Duration(o.Ticks) * o.TickDuration
}
