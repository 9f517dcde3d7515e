package core

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PacketUtlBuild serialize the layers, lengths and checksums are computed
func PacketUtlBuild(layers ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, layers...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// PacketUtlDecode decode an ethernet frame, used by the tests and the debug dump
func PacketUtlDecode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}

// PcapFile capture of frames, the timestamp is taken from the thread ticks in
// simulation so captures are reproducible
type PcapFile struct {
	f     *os.File
	w     *pcapgo.Writer
	clock func() time.Time
}

func NewPcapFile(name string, clock func() time.Time) (*PcapFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriterNanos(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap header %s: %w", name, err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &PcapFile{f: f, w: w, clock: clock}, nil
}

func (o *PcapFile) Write(frame []byte) {
	err := o.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     o.clock(),
		Length:        len(frame),
		CaptureLength: len(frame),
	}, frame)
	if err != nil {
		log.Warningf("pcap write %v", err)
	}
}

func (o *PcapFile) Close() error {
	return o.f.Close()
}
