package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
)

func TestTplDpc(t *testing.T) {
	tctx := NewThreadCtx(true, 0)
	var order []string
	tctx.RaiseTpl()
	tctx.QueueDpc(func() { order = append(order, "dpc1") })
	tctx.RaiseTpl()
	tctx.QueueDpc(func() {
		order = append(order, "dpc2")
		/* queued while draining, runs in the same drain */
		tctx.QueueDpc(func() { order = append(order, "dpc3") })
	})
	tctx.RestoreTpl()
	order = append(order, "inner-restored")
	tctx.RestoreTpl()
	want := []string{"inner-restored", "dpc1", "dpc2", "dpc3"}
	if len(order) != len(want) {
		t.Fatalf("order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v want %v", order, want)
		}
	}
	if tctx.InSection() {
		t.Fatalf("section should be closed")
	}
}

func TestRestoreWithoutRaise(t *testing.T) {
	tctx := NewThreadCtx(true, 0)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	tctx.RestoreTpl()
}

type echoDut struct{}

// answer each frame with the same frame, src/dst mac swapped
func (o *echoDut) ProcessTxToRx(frame []byte) [][]byte {
	r := append([]byte(nil), frame...)
	copy(r[0:6], frame[6:12])
	copy(r[6:12], frame[0:6])
	return [][]byte{r}
}

func TestVethSimFlushAndCancel(t *testing.T) {
	tctx := NewThreadCtx(true, 0)
	mac := MACKey{0, 0, 1, 0, 0, 1}
	veth := NewVethSim(tctx, "sim0", mac, 1280, &echoDut{})
	var rx []*Mbuf
	tctx.SetRxHandler(func(vif VethIF, m *Mbuf) {
		rx = append(rx, m)
	})
	dst := MACKey{0, 0, 1, 0, 0, 2}

	tctx.Run(func() {
		for i := 0; i < 3; i++ {
			m, _ := tctx.MPool.AllocData([]byte{0x60, byte(i)})
			if err := veth.SendFrame(dst, m, uint64(i%2)); err != nil {
				t.Fatal(err)
			}
		}
		if n := veth.CancelTx(1); n != 1 {
			t.Fatalf("canceled %d", n)
		}
	})
	sent := veth.TakeSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames", len(sent))
	}
	eth := PacketUtlDecode(sent[0].Data).Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth.EthernetType != layers.EthernetTypeIPv6 || MACKey(eth.DstMAC) != dst {
		t.Fatalf("bad ethernet %+v", eth)
	}
	if sent[1].Data[15] != 2 || sent[1].Tag != 0 {
		t.Fatalf("second frame should be the third sent")
	}
	if veth.GetStats().TxCancel != 1 {
		t.Fatalf("stats %+v", veth.GetStats())
	}

	tctx.MainLoopSim(20 * time.Millisecond)
	if len(rx) != 2 {
		t.Fatalf("expected the dut answers got %d", len(rx))
	}
	if rx[0].PktLen() != 2 {
		t.Fatalf("ethernet header should be removed %v", rx[0])
	}

	tctx.Run(func() {
		m, _ := tctx.MPool.AllocData(make([]byte, 1281))
		if err := veth.SendFrame(dst, m, 0); !errors.Is(err, ErrBadBufferSize) {
			t.Fatalf("expected ErrBadBufferSize got %v", err)
		}
	})
}

func TestMainLoopPost(t *testing.T) {
	tctx := NewThreadCtx(false, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- tctx.MainLoop(ctx) }()

	v := 0
	if err := tctx.Call(context.Background(), func() {
		if !tctx.InSection() {
			t.Errorf("posted calls run in a section")
		}
		v = 1
	}); err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("call did not run")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("main loop %v", err)
	}
}
