package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/net/bpf"

	"github.com/sofiworker/gcap/glog"
	"github.com/sofiworker/gcap/gnet/capfile"
	"github.com/sofiworker/gcap/gnet/packet"
	"github.com/sofiworker/gcap/gnet/pcapng"
)

var base = time.Unix(1_700_000_000, 0)

func capture(t *testing.T, format capfile.Format, pkts ...*packet.Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := capfile.NewWriter(&buf, format, capfile.WriterOptions{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, p := range pkts {
		if err := w.WritePacket(p); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes()
}

func pkt(first byte, offset time.Duration) *packet.Packet {
	return &packet.Packet{Data: []byte{first, 0xaa, 0xbb}, Timestamp: base.Add(offset)}
}

func readBack(t *testing.T, data []byte) (*capfile.Reader, []*packet.Packet) {
	t.Helper()
	r, err := capfile.Open(bytes.NewReader(data), capfile.WithLogger(glog.NewNop()))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	var out []*packet.Packet
	for p, err := range r.All() {
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		out = append(out, p)
	}
	return r, out
}

func TestNewRejectsMultiPcap(t *testing.T) {
	cfg := Config{
		Readers: []io.Reader{bytes.NewReader(nil), bytes.NewReader(nil)},
		Format:  capfile.FormatPcap,
		Writer:  &bytes.Buffer{},
		Logger:  glog.NewNop(),
	}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for multi-input pcap")
	}
	if _, err := New(Config{Logger: glog.NewNop()}); err == nil {
		t.Fatalf("expected error without inputs")
	}
}

func TestMergeOrdersByTimestamp(t *testing.T) {
	a := capture(t, capfile.FormatPcapNg, pkt(1, 0), pkt(3, 2*time.Millisecond), pkt(5, 4*time.Millisecond))
	b := capture(t, capfile.FormatPcap, pkt(2, time.Millisecond), pkt(4, 3*time.Millisecond))

	var out bytes.Buffer
	c, err := New(Config{
		Readers: []io.Reader{bytes.NewReader(a), bytes.NewReader(b)},
		Writer:  &out,
		Logger:  glog.NewNop(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := c.Stats(); st.Read != 5 || st.Written != 5 {
		t.Fatalf("unexpected stats %+v", st)
	}

	r, got := readBack(t, out.Bytes())
	if r.Format() != capfile.FormatPcapNg {
		t.Fatalf("expected pcapng output, got %s", r.Format())
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 packets, got %d", len(got))
	}
	wantIface := []int{0, 1, 0, 1, 0}
	for i, p := range got {
		if p.Data[0] != byte(i+1) {
			t.Fatalf("packet %d out of order: first byte %d", i, p.Data[0])
		}
		if p.InterfaceID != wantIface[i] {
			t.Fatalf("packet %d: interface %d, want %d", i, p.InterfaceID, wantIface[i])
		}
	}
	if n := len(r.Section().Interfaces()); n != 2 {
		t.Fatalf("expected 2 interfaces, got %d", n)
	}
}

func TestMergeKeepsInterfaceDescriptions(t *testing.T) {
	var nsBuf bytes.Buffer
	w, err := capfile.NewWriter(&nsBuf, capfile.FormatPcapNg, capfile.WriterOptions{
		Resolution: time.Nanosecond,
		ByteOrder:  binary.BigEndian,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	fine := &packet.Packet{Data: []byte{1}, Timestamp: base.Add(7), LinkType: 101}
	if err := w.WritePacket(fine); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	coarse := capture(t, capfile.FormatPcapNg, pkt(2, time.Millisecond))

	var out bytes.Buffer
	c, err := New(Config{
		Readers: []io.Reader{bytes.NewReader(nsBuf.Bytes()), bytes.NewReader(coarse)},
		Writer:  &out,
		SnapLen: 1024,
		Logger:  glog.NewNop(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	r, got := readBack(t, out.Bytes())
	if len(got) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(7)) || got[0].LinkType != 101 {
		t.Fatalf("nanosecond packet changed: %v link %d", got[0].Timestamp, got[0].LinkType)
	}
	ifaces := r.Section().Interfaces()
	if len(ifaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %d", len(ifaces))
	}
	if ifaces[0].Resolution != pcapng.NanosecondResolution || ifaces[1].Resolution != pcapng.MicrosecondResolution {
		t.Fatalf("unexpected resolutions %s %s", ifaces[0].Resolution, ifaces[1].Resolution)
	}
	if ifaces[0].SnapLen != 1024 || ifaces[1].SnapLen != 1024 {
		t.Fatalf("snaplen not clamped: %d %d", ifaces[0].SnapLen, ifaces[1].SnapLen)
	}
}

func TestFilter(t *testing.T) {
	in := capture(t, capfile.FormatPcap, pkt(1, 0), pkt(2, time.Millisecond), pkt(1, 2*time.Millisecond))

	var out bytes.Buffer
	c, err := New(Config{
		Readers: []io.Reader{bytes.NewReader(in)},
		Writer:  &out,
		Format:  capfile.FormatPcap,
		Logger:  glog.NewNop(),
		Filter: Filter{Instructions: []bpf.Instruction{
			bpf.LoadAbsolute{Off: 0, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 1, SkipFalse: 1},
			bpf.RetConstant{Val: 2},
			bpf.RetConstant{Val: 0},
		}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := c.Stats(); st.Filtered != 1 || st.Written != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}

	_, got := readBack(t, out.Bytes())
	if len(got) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(got))
	}
	for _, p := range got {
		if len(p.Data) != 2 || p.OriginalLen != 3 {
			t.Fatalf("expected truncated packet, got len %d orig %d", len(p.Data), p.OriginalLen)
		}
	}
}

func TestRawFilter(t *testing.T) {
	raw, err := bpf.Assemble([]bpf.Instruction{bpf.RetConstant{Val: 0}})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	var prog []byte
	for _, ins := range raw {
		prog = binary.BigEndian.AppendUint16(prog, ins.Op)
		prog = append(prog, ins.Jt, ins.Jf)
		prog = binary.BigEndian.AppendUint32(prog, ins.K)
	}
	if got := bytesToRaw(prog); len(got) != 1 || got[0] != raw[0] {
		t.Fatalf("bytesToRaw mismatch: %+v", got)
	}

	in := capture(t, capfile.FormatPcapNg, pkt(1, 0))
	cfg := Config{Readers: []io.Reader{bytes.NewReader(in)}, Logger: glog.NewNop()}
	WithFilterRaw(prog)(&cfg)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := c.Stats(); st.Filtered != 1 || st.Written != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func badInterfaceStream(t *testing.T) []byte {
	t.Helper()
	order := binary.LittleEndian
	var data []byte
	for _, b := range []pcapng.Block{
		&pcapng.SectionHeaderBlock{ByteOrder: order, MajorVersion: 1, SectionLength: -1},
		&pcapng.InterfaceDescriptionBlock{LinkType: 1},
		&pcapng.EnhancedPacketBlock{InterfaceID: 9, OriginalLen: 1, PacketData: []byte{1}},
		&pcapng.EnhancedPacketBlock{InterfaceID: 0, OriginalLen: 1, PacketData: []byte{2}},
	} {
		var err error
		if data, err = pcapng.AppendBlock(data, order, b); err != nil {
			t.Fatalf("append %s: %v", b.BlockType(), err)
		}
	}
	return data
}

func TestSkipInvalid(t *testing.T) {
	data := badInterfaceStream(t)

	c, err := New(Config{Readers: []io.Reader{bytes.NewReader(data)}, Logger: glog.NewNop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatalf("expected error without SkipInvalid")
	}

	cfg := Config{Readers: []io.Reader{bytes.NewReader(data)}, Logger: glog.NewNop()}
	WithSkipInvalid()(&cfg)
	c, err = New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := c.Stats(); st.Skipped != 1 || st.Written != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestCanceled(t *testing.T) {
	in := capture(t, capfile.FormatPcap, pkt(1, 0))
	c, err := New(Config{Readers: []io.Reader{bytes.NewReader(in)}, Logger: glog.NewNop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConvertFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	if err := os.WriteFile(in, capture(t, capfile.FormatPcap, pkt(1, 0), pkt(2, time.Second)), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	out := filepath.Join(dir, "out.pcapng.gz")
	quiet := func(c *Config) { c.Logger = glog.NewNop() }
	if err := Convert(context.Background(), in, out, quiet, WithSnapLen(2)); err != nil {
		t.Fatalf("convert: %v", err)
	}

	r, err := capfile.OpenFile(out, capfile.WithLogger(glog.NewNop()))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer r.Close()
	var n int
	for p, err := range r.All() {
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		if len(p.Data) != 2 {
			t.Fatalf("expected snaplen 2, got %d", len(p.Data))
		}
		n++
	}
	if n != 2 || r.Format() != capfile.FormatPcapNg {
		t.Fatalf("expected 2 pcapng packets, got %d %s", n, r.Format())
	}
}
