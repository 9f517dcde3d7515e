package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator"
	"github.com/intel-go/fastjson"
	"github.com/pmezard/go-difflib/difflib"
)

/*
Thread Ctx includes

 1. the links (veth) and the rx handler

 2. instance of timerw for schedule events

 3. the priority section (RaiseTpl/RestoreTpl) and the deferred queue

    All the state of the stack is owned by the goroutine running MainLoop, other
    goroutines (tap readers, rpc server) hand work to it over channels.
*/
const (
	mBUFS_CACHE = 1024 /* number of mbuf cached per size */
)

// RxHandler get an ipv6 packet received on a link, it owns the mbuf
type RxHandler func(vif VethIF, m *Mbuf)

type rxEvent struct {
	vif   VethIF
	frame []byte
}

type frameReceiver interface {
	rxFrame(vif VethIF, frame []byte)
}

type CThreadCtxStats struct {
	rxEvents   uint64
	rxDropFull uint64
	dpcRun     uint64
	posted     uint64
}

// CThreadCtx the single thread of the stack
type CThreadCtx struct {
	timerctx  *TimerCtx
	MPool     *MbufPool
	Simulator bool
	veths     []VethIF
	rxHandler RxHandler
	chRx      chan rxEvent
	chPost    chan func()
	tpl       int
	dpc       []func()
	stats     CThreadCtxStats
	cdb       *CCounterDb
	cdbv      *CCounterDbVec
	validate  *validator.Validate
	simRecord []interface{}
}

// NewThreadCtx maxMbufs bounds the packet buffers (0 no limit)
func NewThreadCtx(simulation bool, maxMbufs uint32) *CThreadCtx {
	o := new(CThreadCtx)
	o.Simulator = simulation
	o.timerctx = NewTimerCtx(simulation)
	o.MPool = NewMbufPool(mBUFS_CACHE, maxMbufs)
	o.chRx = make(chan rxEvent, vETH_RX_QUEUE_SIZE)
	o.chPost = make(chan func(), 64)
	o.validate = validator.New()
	o.cdb = NewCCounterDb("ctx")
	o.cdb.AddUint64(&o.stats.rxEvents, "rxEvents", "frames from rx goroutines", ScINFO)
	o.cdb.AddUint64(&o.stats.rxDropFull, "rxDropFull", "rx channel is full", ScERROR)
	o.cdb.AddUint64(&o.stats.dpcRun, "dpcRun", "deferred calls", ScINFO)
	o.cdb.AddUint64(&o.stats.posted, "posted", "calls posted to the loop", ScINFO)
	o.cdbv = NewCCounterDbVec("ctx")
	o.cdbv.Add(o.cdb)
	o.cdbv.Add(o.timerctx.Cdb)
	o.cdbv.Add(o.MPool.Cdb)
	return o
}

func (o *CThreadCtx) GetTimerCtx() *TimerCtx {
	return o.timerctx
}

func (o *CThreadCtx) GetCounterDbVec() *CCounterDbVec {
	return o.cdbv
}

// AddVeth register a link, called by the link constructors
func (o *CThreadCtx) AddVeth(v VethIF) {
	o.veths = append(o.veths, v)
	o.cdbv.Add(v.GetCdb())
}

func (o *CThreadCtx) Veths() []VethIF {
	return o.veths
}

func (o *CThreadCtx) SetRxHandler(h RxHandler) {
	o.rxHandler = h
}

// RaiseTpl enter a section, sections nest
func (o *CThreadCtx) RaiseTpl() {
	o.tpl++
}

// RestoreTpl leave a section, the outermost one runs the deferred calls and flushes the links
func (o *CThreadCtx) RestoreTpl() {
	if o.tpl == 0 {
		panic(" RestoreTpl without RaiseTpl ")
	}
	if o.tpl > 1 {
		o.tpl--
		return
	}
	/* still raised while draining, a deferred call can queue more */
	for len(o.dpc) > 0 {
		fn := o.dpc[0]
		o.dpc[0] = nil
		o.dpc = o.dpc[1:]
		o.stats.dpcRun++
		fn()
	}
	o.dpc = nil
	for _, v := range o.veths {
		v.FlushTx()
	}
	o.tpl = 0
}

// InSection true inside RaiseTpl/RestoreTpl
func (o *CThreadCtx) InSection() bool {
	return o.tpl > 0
}

// QueueDpc run fn when the outermost section ends
func (o *CThreadCtx) QueueDpc(fn func()) {
	if o.tpl == 0 {
		o.RaiseTpl()
		o.dpc = append(o.dpc, fn)
		o.RestoreTpl()
		return
	}
	o.dpc = append(o.dpc, fn)
}

// Run fn inside a section
func (o *CThreadCtx) Run(fn func()) {
	o.RaiseTpl()
	defer o.RestoreTpl()
	fn()
}

// HandleRx deliver a packet from a link, called on the thread
func (o *CThreadCtx) HandleRx(vif VethIF, m *Mbuf) {
	if o.rxHandler == nil {
		m.FreeMbuf()
		return
	}
	o.Run(func() { o.rxHandler(vif, m) })
}

// OnRx can be called from any goroutine, the frame is handled by the loop
func (o *CThreadCtx) OnRx(vif VethIF, frame []byte) {
	select {
	case o.chRx <- rxEvent{vif: vif, frame: frame}:
	default:
		o.stats.rxDropFull++
	}
}

// Post run fn on the loop, can be called from any goroutine
func (o *CThreadCtx) Post(fn func()) {
	o.chPost <- fn
}

// Call run fn on the loop and wait for it, ctx bounds the wait
func (o *CThreadCtx) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case o.chPost <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (o *CThreadCtx) handleRxEvent(ev rxEvent) {
	o.stats.rxEvents++
	if r, ok := ev.vif.(frameReceiver); ok {
		r.rxFrame(ev.vif, ev.frame)
	}
}

func (o *CThreadCtx) handlePost(fn func()) {
	o.stats.posted++
	o.Run(fn)
}

func (o *CThreadCtx) handleTick() {
	o.Run(o.timerctx.HandleTicks)
}

// drain the channels without blocking, used by the simulator
func (o *CThreadCtx) drain() {
	for {
		select {
		case ev := <-o.chRx:
			o.handleRxEvent(ev)
		case fn := <-o.chPost:
			o.handlePost(fn)
		default:
			return
		}
	}
}

// MainLoopSim run duration of simulated time as fast as possible
func (o *CThreadCtx) MainLoopSim(duration time.Duration) {
	maxticks := o.timerctx.DurationToTicks(duration)
	for tick := uint32(0); tick < maxticks; tick++ {
		o.drain()
		o.handleTick()
		for _, v := range o.veths {
			vif := v
			o.Run(vif.SimulatorCheckRxQueue)
		}
	}
}

// MainLoop run until ctx is canceled
func (o *CThreadCtx) MainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-o.chRx:
			o.handleRxEvent(ev)
		case fn := <-o.chPost:
			o.handlePost(fn)
		case <-o.timerctx.Timer.C:
			o.handleTick()
			o.timerctx.Rearm()
		}
	}
}

// SimNow the simulated clock, ticks from the epoch
func (o *CThreadCtx) SimNow() time.Time {
	return time.Unix(0, 0).Add(o.timerctx.Elapsed())
}

func (o *CThreadCtx) UnmarshalValidate(data []byte, v interface{}) error {
	err := fastjson.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	err = o.validate.Struct(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

func (o *CThreadCtx) Delete() {
	for _, v := range o.veths {
		v.Close()
	}
}

// SimRecordAppend add a record to the simulation result
func (o *CThreadCtx) SimRecordAppend(v interface{}) {
	o.simRecord = append(o.simRecord, v)
}

// SimRecordCompare compare the records with testdata/<name>.json and return a unified
// diff, empty when equal. The file is created when missing or when EMU6_UPDATE_GOLDEN is set
func (o *CThreadCtx) SimRecordCompare(name string) (string, error) {
	b, err := json.MarshalIndent(o.simRecord, "", "  ")
	if err != nil {
		return "", err
	}
	exp := filepath.Join("testdata", name+".json")
	old, err := os.ReadFile(exp)
	if err != nil || os.Getenv("EMU6_UPDATE_GOLDEN") != "" {
		if err := os.MkdirAll("testdata", 0o755); err != nil {
			return "", err
		}
		return "", os.WriteFile(exp, b, 0o644)
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(old)),
		B:        difflib.SplitLines(string(b)),
		FromFile: exp,
		ToFile:   name,
		Context:  3,
	})
}
