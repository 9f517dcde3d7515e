package core

/* CNATimerWheel

Two level hierarchical timer wheel, single threaded.

* level 0 : one bucket per tick
* level 1 : one bucket per size/level1Div ticks, events are cascaded into level 0
            when they get close to their expiry tick

with a 500msec service tick driven by a 10msec wheel tick and 1024x16:

level 0: 10msec - 10sec   (res = 10msec)
level 1: 10sec  - 11min   (res = 640msec)

	tw, rc := NewTimerW(1024, 16)
	tw.Start(tmr, ticks)
	tw.Stop(tmr)
	tw.OnTick(32) // every tick
*/

import "fmt"

const (
	RC_HTW_OK                  = 0
	RC_HTW_ERR_NO_RESOURCES    = -1
	RC_HTW_ERR_TIMER_IS_ON     = -2
	RC_HTW_ERR_NO_LOG2         = -3
	RC_HTW_ERR_MAX_WHEELS      = -4
	RC_HTW_ERR_NOT_ENOUGH_BITS = -5
)

type RCtw int

var rcTwNames = map[RCtw]string{
	RC_HTW_OK:                  "RC_HTW_OK",
	RC_HTW_ERR_NO_RESOURCES:    "RC_HTW_ERR_NO_RESOURCES",
	RC_HTW_ERR_TIMER_IS_ON:     "RC_HTW_ERR_TIMER_IS_ON",
	RC_HTW_ERR_NO_LOG2:         "RC_HTW_ERR_NO_LOG2",
	RC_HTW_ERR_MAX_WHEELS:      "RC_HTW_ERR_MAX_WHEELS",
	RC_HTW_ERR_NOT_ENOUGH_BITS: "RC_HTW_ERR_NOT_ENOUGH_BITS",
}

func (o RCtw) String() string {
	if s, ok := rcTwNames[o]; ok {
		return s
	}
	return "Unknown RC_HTW_ERR"
}

func (o RCtw) Error() error {
	if o == RC_HTW_OK {
		return nil
	}
	return fmt.Errorf("%w: timer wheel %s", ErrInvalidParameter, o.String())
}

// CHTimerOnEvent callback interface
type CHTimerOnEvent interface {
	OnEvent(a, b interface{})
}

// CHTimerObj timer object, embed it in the owner or keep it as a field
type CHTimerObj struct {
	next   *CHTimerObj
	prev   *CHTimerObj
	root   *cHTimerBucket
	expire uint64         /* absolute tick */
	cb     CHTimerOnEvent // callback interface
	cbA    interface{}    // callback A args
	cbB    interface{}    // callback B args
}

func (o *CHTimerObj) SetCB(cb CHTimerOnEvent, a interface{}, b interface{}) {
	o.cb = cb
	o.cbA = a
	o.cbB = b
}

func (o *CHTimerObj) call() {
	o.cb.OnEvent(o.cbA, o.cbB)
}

func (o *CHTimerObj) IsRunning() bool {
	return o.next != nil
}

func (o *CHTimerObj) detach() {
	o.root.count--
	o.root = nil
	o.next.prev = o.prev
	o.prev.next = o.next
	o.next = nil
	o.prev = nil
}

type cHTimerBucket struct {
	head  CHTimerObj // sentinel
	count uint32
}

func (o *cHTimerBucket) init() {
	o.head.next = &o.head
	o.head.prev = &o.head
	o.count = 0
}

func (o *cHTimerBucket) isEmpty() bool {
	return o.head.next == &o.head
}

func (o *cHTimerBucket) append(tmr *CHTimerObj) {
	tmr.next = &o.head
	tmr.prev = o.head.prev
	o.head.prev.next = tmr
	o.head.prev = tmr
	tmr.root = o
	o.count++
}

const (
	hNA_TIMER_LEVELS = 2
)

type cHTimerOneWheel struct {
	buckets      []cHTimerBucket
	activeBucket *cHTimerBucket
	bucketIndex  uint32
	ticks        uint32
	wheelSize    uint32
	wheelMask    uint32
}

func utlIslog2(num uint32) bool {
	return num != 0 && (num&(num-1)) == 0
}

func utllog2Shift(num uint32) uint32 {
	var shift uint32
	for num > 1 {
		num >>= 1
		shift++
	}
	return shift
}

func (o *cHTimerOneWheel) initTWOne(size uint32) RCtw {
	if !utlIslog2(size) {
		return RC_HTW_ERR_NO_LOG2
	}
	o.wheelMask = size - 1
	o.wheelSize = size
	o.buckets = make([]cHTimerBucket, size)
	for i := range o.buckets {
		o.buckets[i].init()
	}
	o.activeBucket = &o.buckets[0]
	return RC_HTW_OK
}

func (o *cHTimerOneWheel) start(tmr *CHTimerObj, ticks uint32) RCtw {
	if tmr.IsRunning() {
		return RC_HTW_ERR_TIMER_IS_ON
	}
	cursor := (o.bucketIndex + ticks) & o.wheelMask
	o.buckets[cursor].append(tmr)
	return RC_HTW_OK
}

func (o *cHTimerOneWheel) nextTick() {
	o.ticks++
	o.bucketIndex = (o.bucketIndex + 1) & o.wheelMask
	o.activeBucket = &o.buckets[o.bucketIndex]
}

func (o *cHTimerOneWheel) popEvent() *CHTimerObj {
	if o.activeBucket.isEmpty() {
		return nil
	}
	first := o.activeBucket.head.next
	first.detach()
	return first
}

// CNATimerWheel struct
type CNATimerWheel struct {
	ticks            [hNA_TIMER_LEVELS]uint32
	curTick          uint64
	wheelSize        uint32
	wheelLevel1Shift uint32
	totalEvents      uint64
	timerw           [hNA_TIMER_LEVELS]cHTimerOneWheel
	cntDiv           uint16 /* div of time for level1 */
	cntState         uint16 /* the state of level1 */
	cntPerIte        uint32
}

// NewTimerW create a new TW with number of buckets and div
func NewTimerW(size uint32, level1Div uint32) (*CNATimerWheel, RCtw) {
	o := new(CNATimerWheel)
	for i := 0; i < hNA_TIMER_LEVELS; i++ {
		if rc := o.timerw[i].initTWOne(size); rc != RC_HTW_OK {
			return nil, rc
		}
	}
	if !utlIslog2(level1Div) || level1Div > size {
		return nil, RC_HTW_ERR_NO_LOG2
	}
	o.wheelSize = size
	o.wheelLevel1Shift = utllog2Shift(size) - utllog2Shift(level1Div)
	o.cntDiv = 1 << o.wheelLevel1Shift
	return o, RC_HTW_OK
}

func (o *CNATimerWheel) ActiveTimers() uint64 {
	return o.totalEvents
}

func (o *CNATimerWheel) onTickLevel0() {
	tm := &o.timerw[0]
	o.curTick++
	tm.nextTick()
	o.ticks[0]++
	for {
		event := tm.popEvent()
		if event == nil {
			break
		}
		o.totalEvents--
		event.call()
	}
}

func (o *CNATimerWheel) onTickLevelInc() {
	o.cntState++
	if o.cntState == o.cntDiv {
		o.timerw[1].nextTick()
		o.ticks[1]++
		o.cntState = 0
	}
}

// park in level 1, the bucket is drained before the expiry tick
func (o *CNATimerWheel) startLevel1(tmr *CHTimerObj, ticks uint64) {
	k := (ticks >> o.wheelLevel1Shift) - 1
	if k < 1 {
		k = 1
	}
	if k > uint64(o.wheelSize-1) {
		k = uint64(o.wheelSize - 1)
	}
	o.timerw[1].start(tmr, uint32(k))
}

// place the timer according to the ticks left to its expiry
func (o *CNATimerWheel) place(tmr *CHTimerObj) bool {
	if tmr.expire <= o.curTick {
		return false
	}
	left := tmr.expire - o.curTick
	if left < uint64(o.wheelSize) {
		o.timerw[0].start(tmr, uint32(left))
	} else {
		o.startLevel1(tmr, left)
	}
	return true
}

// level 1 bucket is drained in cntDiv steps so a burst is spread over the level 0 ticks
func (o *CNATimerWheel) onTickLevel1(minEvents uint32) {
	tm := &o.timerw[1]
	left := tm.activeBucket.count
	if left == 0 {
		o.onTickLevelInc()
		return
	}
	if o.cntState == 0 {
		steps := (left + uint32(o.cntDiv) - 1) / uint32(o.cntDiv)
		o.cntPerIte = steps
		if o.cntPerIte < minEvents {
			o.cntPerIte = minEvents
		}
	}
	var cnt uint32
	for cnt < o.cntPerIte {
		event := tm.popEvent()
		if event == nil {
			break
		}
		if !o.place(event) {
			o.totalEvents--
			event.call()
		}
		cnt++
	}
	o.onTickLevelInc()
}

// OnTick should be called every tick
func (o *CNATimerWheel) OnTick(minEvents uint32) {
	o.onTickLevel0()
	o.onTickLevel1(minEvents)
}

// Stop the timer, nop if it is not running
func (o *CNATimerWheel) Stop(tmr *CHTimerObj) {
	if tmr.IsRunning() {
		tmr.detach()
		o.totalEvents--
	}
}

// Start schedule a timer event to fire on the ticks-th OnTick from now (at least 1),
// a running timer is restarted
func (o *CNATimerWheel) Start(tmr *CHTimerObj, ticks uint32) {
	o.Stop(tmr)
	if ticks == 0 {
		ticks = 1
	}
	o.totalEvents++
	tmr.expire = o.curTick + uint64(ticks)
	o.place(tmr)
}
