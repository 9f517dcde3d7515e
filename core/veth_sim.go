package core

import (
	"fmt"
)

// SimFrame a frame written by a simulated link
type SimFrame struct {
	Tag  uint64
	Data []byte // ethernet frame
}

// VethSim in memory link for the simulator and the tests. Written frames are kept in
// Sent, optionally captured and handed to a simulated peer whose answers are
// received on the next SimulatorCheckRxQueue
type VethSim struct {
	VethBase
	Sent    []SimFrame
	dut     VethIFSim
	rxq     [][]byte
	capture *PcapFile
	txFail  int
	txErr   error
}

func NewVethSim(tctx *CThreadCtx, name string, mac MACKey, mtu uint32, dut VethIFSim) *VethSim {
	o := new(VethSim)
	o.dut = dut
	o.init(tctx, name, mac, mtu, o.writeSim)
	tctx.AddVeth(o)
	return o
}

// SetCapture record the written and received frames into a pcap file
func (o *VethSim) SetCapture(p *PcapFile) {
	o.capture = p
}

// SetTxError fail the n-th SendFrame from now (1 based)
func (o *VethSim) SetTxError(n int, err error) {
	o.txFail = n
	o.txErr = err
}

func (o *VethSim) SendFrame(dst MACKey, m *Mbuf, tag uint64) error {
	if o.txFail > 0 {
		o.txFail--
		if o.txFail == 0 {
			m.FreeMbuf()
			o.stats.TxErr++
			return fmt.Errorf("%w: %v", ErrAborted, o.txErr)
		}
	}
	return o.VethBase.SendFrame(dst, m, tag)
}

func (o *VethSim) writeSim(b []byte) error {
	frame := append([]byte(nil), b...)
	o.Sent = append(o.Sent, SimFrame{Data: frame})
	if o.capture != nil {
		o.capture.Write(frame)
	}
	if o.dut != nil {
		o.rxq = append(o.rxq, o.dut.ProcessTxToRx(frame)...)
	}
	return nil
}

// FlushTx keep the tag of the written frames
func (o *VethSim) FlushTx() {
	first := len(o.Sent)
	tags := make([]uint64, 0, len(o.txq))
	for _, f := range o.txq {
		tags = append(tags, f.tag)
	}
	o.VethBase.FlushTx()
	for i := range tags {
		if first+i < len(o.Sent) {
			o.Sent[first+i].Tag = tags[i]
		}
	}
}

// TakeSent return the written frames and clear the list
func (o *VethSim) TakeSent() []SimFrame {
	r := o.Sent
	o.Sent = nil
	return r
}

// Inject queue a frame to be received on the next SimulatorCheckRxQueue
func (o *VethSim) Inject(frame []byte) {
	o.rxq = append(o.rxq, frame)
}

// Receive a frame now, should be called from the thread context
func (o *VethSim) Receive(frame []byte) {
	if o.capture != nil {
		o.capture.Write(frame)
	}
	o.rxFrame(o, frame)
}

func (o *VethSim) SimulatorCheckRxQueue() {
	q := o.rxq
	o.rxq = nil
	for _, frame := range q {
		o.Receive(frame)
	}
}

func (o *VethSim) Close() error {
	o.txq = o.txq[:0]
	return nil
}
