package ipv6

import (
	"testing"
	"time"

	"emu6/core"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	xipv6 "golang.org/x/net/ipv6"
)

type simFragRec struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Offset int    `json:"offset"`
	More   bool   `json:"more"`
	Len    int    `json:"len"`
}

type simCntRec struct {
	RxEchoRequest   uint64 `json:"rx_echo_request"`
	TxEchoReply     uint64 `json:"tx_echo_reply"`
	TxFragDatagrams uint64 `json:"tx_frag_datagrams"`
	TxFrags         uint64 `json:"tx_frags"`
}

// fragRecorder the peer of the link, records the fragments written by the engine
type fragRecorder struct {
	tctx *core.CThreadCtx
}

func (o *fragRecorder) ProcessTxToRx(frame []byte) [][]byte {
	p := core.PacketUtlDecode(frame)
	ip, ok := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return nil
	}
	fl, ok := p.Layer(layers.LayerTypeIPv6Fragment).(*layers.IPv6Fragment)
	if !ok {
		return nil
	}
	o.tctx.SimRecordAppend(simFragRec{
		Src:    ip.SrcIP.String(),
		Dst:    ip.DstIP.String(),
		Offset: int(fl.FragmentOffset) * 8,
		More:   fl.MoreFragments,
		Len:    len(fl.Payload),
	})
	return nil
}

func TestSimEchoFragmented(t *testing.T) {
	tctx := core.NewThreadCtx(true, 0)
	defer tctx.Delete()
	link := core.NewVethSim(tctx, "eth0", localMac, IP6_MIN_LINK_MTU, &fragRecorder{tctx: tctx})

	var svc *Ip6Service
	var err error
	tctx.Run(func() {
		svc = NewService(tctx, core.Ipv6Config{})
		var ifc *Ip6Interface
		cfg := &core.InterfaceConfig{
			Name:      "eth0",
			Addresses: []core.AddressConfig{{Address: localAddr, PrefixLen: 64}},
		}
		if ifc, err = svc.AddInterface(link, cfg); err != nil {
			return
		}
		err = svc.AddNeighbor(ifc, peerAddr, peerMac)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tctx.Run(svc.Delete)

	/* a 3000 bytes echo request in three fragments from the peer */
	req := icmpMsg(t, peerAddr, localAddr, xipv6.ICMPTypeEchoRequest, 0, &icmp.Echo{ID: 1, Seq: 1, Data: testPayload(2992)})
	hdr := Ip6Header{NextHeader: IP6_ICMP, HopLimit: 64, Src: peerAddr, Dst: localAddr, PayloadLen: uint16(len(req))}
	dst := localAddr
	info, _, ok := ValidateExtHdrs(nil, &dst, IP6_ICMP, nil, false)
	if !ok {
		t.Fatal("validation")
	}
	frags, err := fragmentDatagram(tctx.MPool, encodeHdr(&hdr), nil, req, &info, IP6_MIN_LINK_MTU, 77)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range frags {
		eth := &layers.Ethernet{
			SrcMAC:       peerMac[:],
			DstMAC:       localMac[:],
			EthernetType: layers.EthernetTypeIPv6,
		}
		link.Inject(core.PacketUtlBuild(eth, gopacket.Payload(m.GetData())))
		m.FreeMbuf()
	}

	tctx.MainLoopSim(time.Second)

	tctx.SimRecordAppend(simCntRec{
		RxEchoRequest:   svc.icmp.rxEchoRequest,
		TxEchoReply:     svc.icmp.txEchoReply,
		TxFragDatagrams: svc.stats.txFragDatagrams,
		TxFrags:         svc.stats.txFrags,
	})
	diff, err := tctx.SimRecordCompare("echo_fragmented")
	if err != nil {
		t.Fatal(err)
	}
	if diff != "" {
		t.Fatalf("simulation differs from the recorded run\n%s", diff)
	}
}
