package pcapng

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/glog"
	"github.com/sofiworker/gcap/gnet/frame"
)

func quietReader(r io.Reader) *Reader {
	return NewReader(r, WithLogger(glog.NewNop()))
}

// encode 按 order 依次编码 blocks，SHB 自带字节序时以其为准。
func encode(t *testing.T, order binary.ByteOrder, blocks ...Block) []byte {
	t.Helper()
	var out []byte
	for _, b := range blocks {
		if shb, ok := b.(*SectionHeaderBlock); ok && shb.ByteOrder != nil {
			order = shb.ByteOrder
		}
		var err error
		if out, err = AppendBlock(out, order, b); err != nil {
			t.Fatalf("AppendBlock %s: %v", b.BlockType(), err)
		}
	}
	return out
}

func shb(order binary.ByteOrder) *SectionHeaderBlock {
	return &SectionHeaderBlock{ByteOrder: order, MajorVersion: 1, SectionLength: -1}
}

func epb(iface uint32, units uint64, data []byte) *EnhancedPacketBlock {
	b := &EnhancedPacketBlock{InterfaceID: iface, OriginalLen: uint32(len(data)), PacketData: data}
	b.SetTimestamp(units)
	return b
}

func readAll(t *testing.T, r *Reader) []Block {
	t.Helper()
	var out []Block
	for {
		b, err := r.NextBlock()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("NextBlock: %v", err)
		}
		out = append(out, b)
	}
}

func TestPCAPNGReadWrite(t *testing.T) {
	var buf bytes.Buffer
	writer, err := NewWriter(&buf, WithDefaultTimestampResolution(time.Nanosecond))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	ifaceID, err := writer.AddInterface(1, 65535)
	if err != nil {
		t.Fatalf("AddInterface failed: %v", err)
	}

	ts1 := time.Unix(1_710_000_000, 123456789).UTC()
	ts2 := ts1.Add(3 * time.Millisecond)
	payload1 := []byte{0x01, 0x02, 0x03, 0x04}
	payload2 := []byte{0xAA, 0xBB, 0xCC}

	if err := writer.WritePacket(ifaceID, payload1, ts1); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	if err := writer.WritePacket(ifaceID, payload2, ts2); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}

	reader := quietReader(bytes.NewReader(buf.Bytes()))

	block, err := reader.NextBlock()
	if err != nil {
		t.Fatalf("NextBlock failed: %v", err)
	}
	if _, ok := block.(*SectionHeaderBlock); !ok {
		t.Fatalf("expected SectionHeaderBlock, got %T", block)
	}

	block, err = reader.NextBlock()
	if err != nil {
		t.Fatalf("NextBlock (interface) failed: %v", err)
	}
	idBlock, ok := block.(*InterfaceDescriptionBlock)
	if !ok {
		t.Fatalf("expected InterfaceDescriptionBlock, got %T", block)
	}
	if idBlock.Resolution() != NanosecondResolution {
		t.Fatalf("unexpected resolution: %s", idBlock.Resolution())
	}

	packet1, err := reader.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if !packet1.Timestamp.Equal(ts1) {
		t.Fatalf("timestamp mismatch: got %v want %v", packet1.Timestamp, ts1)
	}
	if packet1.CapturedLen != uint32(len(payload1)) {
		t.Fatalf("captured length mismatch: %d", packet1.CapturedLen)
	}
	if !bytes.Equal(packet1.Data, payload1) {
		t.Fatalf("payload mismatch: %x", packet1.Data)
	}
	if packet1.LinkType != 1 {
		t.Fatalf("link type mismatch: %d", packet1.LinkType)
	}

	packet2, err := reader.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket second failed: %v", err)
	}
	if !packet2.Timestamp.Equal(ts2) {
		t.Fatalf("timestamp mismatch: got %v want %v", packet2.Timestamp, ts2)
	}
	if !bytes.Equal(packet2.Data, payload2) {
		t.Fatalf("payload mismatch: %x", packet2.Data)
	}

	if _, err := reader.ReadPacket(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestPCAPNGBigEndianRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer, err := NewWriter(&buf, WithByteOrder(binary.BigEndian))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	ifaceID, err := writer.AddInterface(1, 0, WithInterfaceTimestampResolution(time.Microsecond))
	if err != nil {
		t.Fatalf("AddInterface failed: %v", err)
	}

	ts := time.Unix(1_720_000_000, 654321000).UTC()
	payload := []byte{0x10, 0x20, 0x30}
	if err := writer.WritePacket(ifaceID, payload, ts); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}

	if got := binary.BigEndian.Uint32(buf.Bytes()[8:12]); got != ByteOrderMagicBig {
		t.Fatalf("unexpected byte order magic on the wire: %#x", got)
	}

	reader := quietReader(bytes.NewReader(buf.Bytes()))
	block, err := reader.NextBlock()
	if err != nil {
		t.Fatalf("NextBlock failed: %v", err)
	}
	section, ok := block.(*SectionHeaderBlock)
	if !ok {
		t.Fatalf("expected SectionHeaderBlock, got %T", block)
	}
	if section.ByteOrder != binary.BigEndian {
		t.Fatalf("unexpected byte order: %v", section.ByteOrder)
	}

	packet, err := reader.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if !packet.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: got %v want %v", packet.Timestamp, ts)
	}
	if !bytes.Equal(packet.Data, payload) {
		t.Fatalf("payload mismatch: %x", packet.Data)
	}
}

func TestNanosecondInterfaceResolution(t *testing.T) {
	idb := &InterfaceDescriptionBlock{LinkType: 1, SnapLen: 65535,
		Options: Options{{Code: OptIfTsResol, Value: []byte{9}}}}
	data := encode(t, binary.LittleEndian,
		shb(binary.LittleEndian), idb, epb(0, 1_500_000_000_123_456_789, []byte{1, 2, 3, 4}))

	r := quietReader(bytes.NewReader(data))
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	want := time.Unix(1_500_000_000, 123_456_789).UTC()
	if !pkt.Timestamp.Equal(want) {
		t.Fatalf("timestamp: got %v want %v", pkt.Timestamp, want)
	}
}

func TestTruncatedFinalBlockIsFatalOnce(t *testing.T) {
	data := encode(t, binary.LittleEndian,
		shb(binary.LittleEndian), &InterfaceDescriptionBlock{LinkType: 1},
		epb(0, 1, []byte{1, 2, 3, 4}), epb(0, 2, []byte{5, 6, 7, 8}))
	data = data[:len(data)-1]

	r := quietReader(bytes.NewReader(data))
	packets := 0
	var failures []error
	for i := 0; i < 10; i++ {
		_, err := r.ReadPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			failures = append(failures, err)
			continue
		}
		packets++
	}
	if packets != 1 {
		t.Fatalf("expected 1 packet before truncation, got %d", packets)
	}
	if len(failures) != 1 || !errors.Is(failures[0], gerr.ErrTruncatedFrame) {
		t.Fatalf("expected a single truncated-frame error, got %v", failures)
	}
	if !errors.Is(r.Err(), gerr.ErrTruncatedFrame) {
		t.Fatalf("Err should keep the fatal error, got %v", r.Err())
	}
}

func TestUnknownInterfaceAffectsOneElement(t *testing.T) {
	data := encode(t, binary.LittleEndian,
		shb(binary.LittleEndian),
		&InterfaceDescriptionBlock{LinkType: 1},
		&InterfaceDescriptionBlock{LinkType: 105},
		epb(5, 1, []byte{0xde, 0xad}),
		epb(1, 2, []byte{0xbe, 0xef}))

	r := quietReader(bytes.NewReader(data))
	if _, err := r.ReadPacket(); !errors.Is(err, gerr.ErrInterfaceNotFound) {
		t.Fatalf("expected interface not found, got %v", err)
	}
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("reading should continue after a per-element error: %v", err)
	}
	if pkt.InterfaceID != 1 || pkt.LinkType != 105 {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
	if _, err := r.ReadPacket(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if r.Err() != nil {
		t.Fatalf("no fatal error expected, got %v", r.Err())
	}
}

func TestBlockLengthMismatch(t *testing.T) {
	data := encode(t, binary.LittleEndian,
		shb(binary.LittleEndian), &InterfaceDescriptionBlock{LinkType: 1}, epb(0, 1, []byte{1, 2, 3, 4}))
	binary.LittleEndian.PutUint32(data[len(data)-4:], 1024)

	r := quietReader(bytes.NewReader(data))
	_, err := r.ReadPacket()
	if !errors.Is(err, gerr.ErrBlockLengthMismatch) {
		t.Fatalf("expected length mismatch, got %v", err)
	}
	if !gerr.IsFatal(err) {
		t.Fatalf("length mismatch must be fatal")
	}
	if _, err := r.ReadPacket(); err != io.EOF {
		t.Fatalf("expected EOF after fatal error, got %v", err)
	}
}

func TestInvalidBlockLength(t *testing.T) {
	data := encode(t, binary.LittleEndian, shb(binary.LittleEndian), &InterfaceDescriptionBlock{LinkType: 1})
	binary.LittleEndian.PutUint32(data[28+4:], 22)

	r := quietReader(bytes.NewReader(data))
	if _, err := r.NextBlock(); err != nil {
		t.Fatalf("SHB: %v", err)
	}
	_, err := r.NextBlock()
	if !errors.Is(err, gerr.ErrInvalidLength) {
		t.Fatalf("expected invalid length, got %v", err)
	}
	var ge *gerr.Err
	if !errors.As(err, &ge) || ge.Offset != 28 {
		t.Fatalf("expected offset 28, got %v", err)
	}
}

func TestMalformedInterfaceKeepsSlot(t *testing.T) {
	bad := encode(t, binary.LittleEndian, &InterfaceDescriptionBlock{LinkType: 1,
		Options: Options{{Code: OptIfName, Value: []byte("ab")}}})
	// if_name 改成 if_tsresol，长度 2 不合法
	binary.LittleEndian.PutUint16(bad[16:18], OptIfTsResol)

	var data []byte
	data = append(data, encode(t, binary.LittleEndian, shb(binary.LittleEndian))...)
	data = append(data, bad...)
	data = append(data, encode(t, binary.LittleEndian,
		&InterfaceDescriptionBlock{LinkType: 113},
		epb(0, 1, []byte{1}),
		epb(1, 2, []byte{2}))...)

	r := quietReader(bytes.NewReader(data))
	if _, err := r.NextBlock(); err != nil {
		t.Fatalf("SHB: %v", err)
	}
	if _, err := r.NextBlock(); !errors.Is(err, gerr.ErrOptionMalformed) {
		t.Fatalf("expected option malformed, got %v", err)
	}
	if _, err := r.ReadPacket(); !errors.Is(err, gerr.ErrInterfaceNotFound) {
		t.Fatalf("packet on the broken interface should fail, got %v", err)
	}
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.InterfaceID != 1 || pkt.LinkType != 113 {
		t.Fatalf("interface indices drifted: %+v", pkt)
	}
}

func TestOptionOverrun(t *testing.T) {
	blk := epb(0, 1, []byte{1, 2, 3, 4})
	blk.Options = Options{{Code: OptComment, Value: []byte("note")}}
	bad := encode(t, binary.LittleEndian, blk)
	binary.LittleEndian.PutUint16(bad[34:36], 200)

	var data []byte
	data = append(data, encode(t, binary.LittleEndian, shb(binary.LittleEndian), &InterfaceDescriptionBlock{LinkType: 1})...)
	data = append(data, bad...)
	data = append(data, encode(t, binary.LittleEndian, epb(0, 2, []byte{9}))...)

	r := quietReader(bytes.NewReader(data))
	if _, err := r.ReadPacket(); !errors.Is(err, gerr.ErrOptionMalformed) {
		t.Fatalf("expected option malformed, got %v", err)
	}
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(pkt.Data, []byte{9}) {
		t.Fatalf("unexpected payload %x", pkt.Data)
	}
}

func TestOptionsWithoutEndMarker(t *testing.T) {
	opts := appendOptions(nil, binary.LittleEndian, Options{{Code: OptComment, Value: []byte("hello")}})
	// 去掉 opt_endofopt
	opts = opts[:len(opts)-4]
	got, err := parseOptions(EnhancedPacketBlockType, opts, binary.LittleEndian)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if c := got.Comments(); len(c) != 1 || c[0] != "hello" {
		t.Fatalf("unexpected comments %v", c)
	}

	trailing := append(appendOptions(nil, binary.LittleEndian, Options{{Code: OptComment, Value: []byte("x")}}), 0, 0, 0, 0)
	if _, err := parseOptions(EnhancedPacketBlockType, trailing, binary.LittleEndian); !errors.Is(err, gerr.ErrOptionMalformed) {
		t.Fatalf("bytes after opt_endofopt should be rejected, got %v", err)
	}
}

func TestReencodeIsByteIdentical(t *testing.T) {
	nrb := &NameResolutionBlock{Records: []NameRecord{
		NewNameRecord(net.ParseIP("10.0.0.1"), "gw.example"),
		NewNameRecord(net.ParseIP("2001:db8::1"), "v6.example", "alias.example"),
	}}
	isb := &InterfaceStatisticsBlock{InterfaceID: 0, Options: Options{
		{Code: OptIsbIfRecv, Value: binary.LittleEndian.AppendUint64(nil, 42)},
	}}
	custom := NewCustomOption(OptCustomBinary, binary.LittleEndian, 32473, []byte{1, 2, 3})
	withOpts := epb(0, 7, []byte{1, 2, 3, 4, 5})
	withOpts.Options = Options{
		{Code: OptEpbFlags, Value: []byte{1, 0, 0, 0}},
		custom,
		{Code: 0x7777, Value: []byte("kept")},
	}
	data := encode(t, binary.LittleEndian,
		shb(binary.LittleEndian),
		&InterfaceDescriptionBlock{LinkType: 1, SnapLen: 128, Options: Options{{Code: OptIfName, Value: []byte("eth0")}}},
		withOpts,
		&SimplePacketBlock{OriginalLen: 3, PacketData: []byte{7, 8, 9}},
		nrb, isb,
		&SystemdJournalExportBlock{Entry: []byte("MESSAGE=hi\n")},
		&UnknownBlock{BlockHeader: BlockHeader{Type: 0x0BAD}, Body: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	)

	r := quietReader(bytes.NewReader(data))
	blocks := readAll(t, r)
	if len(blocks) != 8 {
		t.Fatalf("expected 8 blocks, got %d", len(blocks))
	}
	if u, ok := blocks[7].(*UnknownBlock); !ok || u.Type != 0x0BAD {
		t.Fatalf("unknown block not preserved: %#v", blocks[7])
	}
	got := encode(t, binary.LittleEndian, blocks...)
	if !bytes.Equal(got, data) {
		t.Fatalf("re-encoded stream differs:\n got %x\nwant %x", got, data)
	}

	decoded := blocks[4].(*NameResolutionBlock)
	if !decoded.Records[0].IP().Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("unexpected address %v", decoded.Records[0].IP())
	}
	if names := decoded.Records[1].Names(); len(names) != 2 || names[1] != "alias.example" {
		t.Fatalf("unexpected names %v", names)
	}
	pen, payload, ok := blocks[2].(*EnhancedPacketBlock).Options[1].Custom(binary.LittleEndian)
	if !ok || pen != 32473 || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Fatalf("custom option lost: %d %x %v", pen, payload, ok)
	}
	if v, ok := blocks[5].(*InterfaceStatisticsBlock).Options.Uint64(OptIsbIfRecv, binary.LittleEndian); !ok || v != 42 {
		t.Fatalf("isb_ifrecv: %d %v", v, ok)
	}
}

func TestMultipleSections(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	id, _ := w.AddInterface(1, 0)
	ts := time.Unix(1000, 5000).UTC()
	if err := w.WritePacket(id, []byte{1}, ts); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := w.WriteSectionHeader(shb(binary.BigEndian)); err != nil {
		t.Fatalf("WriteSectionHeader: %v", err)
	}
	if err := w.WritePacket(0, []byte{2}, ts); !errors.Is(err, gerr.ErrInterfaceNotFound) {
		t.Fatalf("new section must forget interfaces, got %v", err)
	}
	id, _ = w.AddInterface(101, 0, WithInterfaceTimestampResolution(time.Millisecond))
	if err := w.WritePacket(id, []byte{2}, ts); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := quietReader(bytes.NewReader(buf.Bytes()))
	first, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !first.Timestamp.Equal(ts) || r.Section().ByteOrder() != binary.LittleEndian {
		t.Fatalf("first section: %v %v", first.Timestamp, r.Section().ByteOrder())
	}
	second, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if r.CurrentSection().ByteOrder != binary.BigEndian || len(r.Section().Interfaces()) != 1 {
		t.Fatalf("second section not tracked")
	}
	if second.LinkType != 101 || !second.Timestamp.Equal(time.Unix(1000, 0).UTC()) {
		t.Fatalf("second packet: %+v", second)
	}
}

func TestSimplePacketBlock(t *testing.T) {
	data := encode(t, binary.LittleEndian,
		shb(binary.LittleEndian),
		&SimplePacketBlock{OriginalLen: 6, PacketData: []byte{1, 2, 3, 4, 5, 6}},
		&InterfaceDescriptionBlock{LinkType: 1, SnapLen: 4},
		&SimplePacketBlock{OriginalLen: 10, PacketData: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
	)
	r := quietReader(bytes.NewReader(data))

	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("SPB without interfaces: %v", err)
	}
	if len(pkt.Data) != 6 || !pkt.Timestamp.IsZero() {
		t.Fatalf("unexpected packet %+v", pkt)
	}

	pkt, err = r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(pkt.Data, []byte{0, 1, 2, 3}) || pkt.OriginalLen != 10 {
		t.Fatalf("SPB should be cut to snaplen: %+v", pkt)
	}
}

func TestTruncatedPrefixes(t *testing.T) {
	boundaries := map[int]bool{0: true}
	var data []byte
	for _, b := range []Block{
		shb(binary.BigEndian),
		&InterfaceDescriptionBlock{LinkType: 1},
		epb(0, 1, []byte{1, 2, 3}),
		epb(0, 2, []byte{4, 5, 6, 7, 8}),
	} {
		data = append(data, encode(t, binary.BigEndian, b)...)
		boundaries[len(data)] = true
	}

	for n := 0; n <= len(data); n++ {
		r := quietReader(bytes.NewReader(data[:n]))
		var last error
		for {
			_, err := r.NextBlock()
			if err == nil {
				continue
			}
			if err == io.EOF {
				break
			}
			last = err
		}
		if boundaries[n] {
			if last != nil || r.Err() != nil {
				t.Fatalf("prefix %d: unexpected error %v", n, last)
			}
			continue
		}
		if !errors.Is(last, gerr.ErrTruncatedFrame) || !errors.Is(r.Err(), gerr.ErrTruncatedFrame) {
			t.Fatalf("prefix %d: expected truncated frame, got %v", n, last)
		}
	}
}

// dribbleReader 每次只交出一个字节，字节之间插入一次挂起。
type dribbleReader struct {
	data    []byte
	blocked bool
}

func (d *dribbleReader) Read(p []byte) (int, error) {
	if len(d.data) == 0 {
		return 0, io.EOF
	}
	if d.blocked = !d.blocked; d.blocked {
		return 0, gerr.ErrWouldBlock
	}
	p[0] = d.data[0]
	d.data = d.data[1:]
	return 1, nil
}

func TestResumeAcrossSuspensions(t *testing.T) {
	data := encode(t, binary.LittleEndian,
		shb(binary.LittleEndian), &InterfaceDescriptionBlock{LinkType: 1},
		epb(0, 1_000_000, []byte{1, 2, 3}), epb(0, 2_000_000, []byte{4}))
	r := NewReaderFrom(frame.New(&dribbleReader{data: data}), WithLogger(glog.NewNop()))

	var got []*Packet
	suspensions := 0
	for {
		pkt, err := r.ReadPacket()
		if errors.Is(err, gerr.ErrWouldBlock) {
			suspensions++
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		got = append(got, pkt)
	}
	if len(got) != 2 || suspensions == 0 {
		t.Fatalf("got %d packets with %d suspensions", len(got), suspensions)
	}
	if !got[1].Timestamp.Equal(time.Unix(2, 0).UTC()) {
		t.Fatalf("unexpected timestamp %v", got[1].Timestamp)
	}
}

func TestPushMode(t *testing.T) {
	data := encode(t, binary.BigEndian,
		shb(binary.BigEndian), &InterfaceDescriptionBlock{LinkType: 1}, epb(0, 1, []byte{1, 2, 3}))
	asm := frame.New(nil)
	r := NewReaderFrom(asm, WithLogger(glog.NewNop()))

	blocks := 0
	for len(data) > 0 {
		n := min(5, len(data))
		if err := asm.Feed(data[:n]); err != nil {
			t.Fatalf("Feed: %v", err)
		}
		data = data[n:]
		for {
			_, err := r.NextBlock()
			if errors.Is(err, gerr.ErrWouldBlock) {
				break
			}
			if err != nil {
				t.Fatalf("NextBlock: %v", err)
			}
			blocks++
		}
	}
	asm.CloseFeed()
	if _, err := r.NextBlock(); err != io.EOF {
		t.Fatalf("expected EOF after CloseFeed, got %v", err)
	}
	if blocks != 3 {
		t.Fatalf("expected 3 blocks, got %d", blocks)
	}
}

func TestWriterValidatesInterfaces(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WritePacket(3, []byte{1}, time.Now()); !errors.Is(err, gerr.ErrInterfaceNotFound) {
		t.Fatalf("expected interface not found, got %v", err)
	}
	if err := w.WriteBlock(&InterfaceStatisticsBlock{InterfaceID: 2}); !errors.Is(err, gerr.ErrInterfaceNotFound) {
		t.Fatalf("ISB must reference a declared interface, got %v", err)
	}
	if err := w.WriteBlock(&ObsoletePacketBlock{InterfaceID: 1}); !errors.Is(err, gerr.ErrInterfaceNotFound) {
		t.Fatalf("PB must reference a declared interface, got %v", err)
	}

	deferred, err := NewWriter(&buf, WithDeferredSection())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := deferred.AddInterface(1, 0); !errors.Is(err, gerr.ErrInterfaceNotFound) {
		t.Fatalf("IDB before SHB should fail, got %v", err)
	}
}

func TestWriterRejectsBadOptions(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	_, err = w.AddInterface(1, 0, WithInterfaceOption(OptIfTsResol, []byte{6, 6}))
	if !errors.Is(err, gerr.ErrOptionMalformed) {
		t.Fatalf("expected option malformed, got %v", err)
	}
	if len(w.Section().Interfaces()) != 0 {
		t.Fatalf("rejected interface must not be registered")
	}
}

// gateWriter 在 open 为 false 时拒绝一切写入。
type gateWriter struct {
	bytes.Buffer
	open bool
}

func (g *gateWriter) Write(p []byte) (int, error) {
	if !g.open {
		return 0, gerr.ErrWouldBlock
	}
	return g.Buffer.Write(p)
}

func TestWriterBackpressure(t *testing.T) {
	g := &gateWriter{}
	w, err := NewWriter(g)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if w.Pending() == 0 {
		t.Fatalf("section header should be pending")
	}
	if _, err := w.AddInterface(1, 0); !errors.Is(err, gerr.ErrWouldBlock) {
		t.Fatalf("expected would-block, got %v", err)
	}
	if len(w.Section().Interfaces()) != 0 {
		t.Fatalf("rejected block must not change the section")
	}

	g.open = true
	id, err := w.AddInterface(1, 0)
	if err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if err := w.WritePacket(id, []byte{0xaa}, time.Unix(1, 0)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := quietReader(bytes.NewReader(g.Bytes()))
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(pkt.Data, []byte{0xaa}) {
		t.Fatalf("unexpected payload %x", pkt.Data)
	}
}

func TestResolution(t *testing.T) {
	cases := []struct {
		name   string
		res    Resolution
		units  uint64
		offset int64
		want   time.Time
	}{
		{"micro", DefaultResolution, 1_000_001, 0, time.Unix(1, 1000)},
		{"milli", MillisecondResolution, 1500, 0, time.Unix(1, 500_000_000)},
		{"binary", BinaryResolution(10), 3*1024 + 512, 0, time.Unix(3, 500_000_000)},
		{"binary-zero", BinaryResolution(0), 42, 0, time.Unix(42, 0)},
		{"tenth-ns", Resolution(19), 10_000_000_000_000_000_000 - 1, 0, time.Unix(0, 999_999_999)},
		{"offset", DefaultResolution, 1_000_000, 100, time.Unix(101, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.res.ToTime(tc.units, tc.offset); !got.Equal(tc.want) {
				t.Fatalf("ToTime: got %v want %v", got, tc.want)
			}
		})
	}

	if got := BinaryResolution(2).Units(time.Unix(5, 250_000_000), 0); got != 21 {
		t.Fatalf("binary units: %d", got)
	}
	if got := NanosecondResolution.Units(time.Unix(1, 7), 0); got != 1_000_000_007 {
		t.Fatalf("ns units: %d", got)
	}
	if Resolution(20).Valid() || !BinaryResolution(63).Valid() || BinaryResolution(64).Valid() {
		t.Fatalf("resolution range checks wrong")
	}
	if _, err := ResolutionFromDuration(3 * time.Microsecond); err == nil {
		t.Fatalf("non power of ten resolution accepted")
	}
}

func TestSubNanosecondResolution(t *testing.T) {
	now := time.Unix(1_700_000_000, 123)
	if got := Resolution(12).Units(now, 0); got != math.MaxUint64 {
		t.Fatalf("10^-12 units should saturate, got %d", got)
	}
	if got := BinaryResolution(63).Units(now, 0); got != math.MaxUint64 {
		t.Fatalf("2^-63 units should saturate, got %d", got)
	}
	if got := Resolution(10).Units(time.Unix(1, 5), 0); got != 10_000_000_050 {
		t.Fatalf("10^-10 units: %d", got)
	}
	if Resolution(10).Writable() || BinaryResolution(30).Writable() || !BinaryResolution(29).Writable() || !NanosecondResolution.Writable() {
		t.Fatalf("writable range checks wrong")
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.AddInterface(1, 0, WithInterfaceResolution(Resolution(12))); err == nil {
		t.Fatalf("10^-12 interface resolution accepted")
	}
	err = w.WriteBlock(&InterfaceDescriptionBlock{LinkType: 1, Options: Options{{Code: OptIfTsResol, Value: []byte{byte(BinaryResolution(40))}}}})
	if gerr.KindOf(err) != gerr.KindOptionMalformed {
		t.Fatalf("expected option error for 2^-40 IDB, got %v", err)
	}
	if n := len(w.Section().Interfaces()); n != 0 {
		t.Fatalf("rejected IDB was declared: %d interfaces", n)
	}
}

func TestDescribeConvertsByteOrder(t *testing.T) {
	speed := binary.BigEndian.AppendUint64(nil, 1_000_000_000)
	offset := binary.BigEndian.AppendUint64(nil, 3600)
	data := encode(t, binary.BigEndian,
		shb(binary.BigEndian),
		&InterfaceDescriptionBlock{LinkType: 1, SnapLen: 96, Options: Options{
			{Code: OptIfName, Value: []byte("eth0")},
			{Code: OptIfSpeed, Value: speed},
			{Code: OptIfTsOffset, Value: offset},
			{Code: OptIfTsResol, Value: []byte{9}},
			NewCustomOption(OptCustomBinary, binary.BigEndian, 32473, []byte{1, 2}),
		}},
	)
	r := quietReader(bytes.NewReader(data))
	readAll(t, r)

	idb, err := r.Section().Describe(0, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if idb.LinkType != 1 || idb.SnapLen != 96 || idb.Name() != "eth0" || idb.Resolution() != NanosecondResolution {
		t.Fatalf("unexpected description %+v", idb)
	}
	if v, ok := idb.Options.Uint64(OptIfSpeed, binary.LittleEndian); !ok || v != 1_000_000_000 {
		t.Fatalf("if_speed not reordered: %d", v)
	}
	if v, ok := idb.Options.Uint64(OptIfTsOffset, binary.LittleEndian); !ok || v != 3600 {
		t.Fatalf("if_tsoffset not reordered: %d", v)
	}
	for _, opt := range idb.Options {
		if !opt.IsCustom() {
			continue
		}
		if pen, payload, _ := opt.Custom(binary.LittleEndian); pen != 32473 || !bytes.Equal(payload, []byte{1, 2}) {
			t.Fatalf("custom option not reordered: %d %x", pen, payload)
		}
	}

	out := encode(t, binary.LittleEndian, shb(binary.LittleEndian), idb)
	r = quietReader(bytes.NewReader(out))
	readAll(t, r)
	iface, err := r.Section().Interface(0)
	if err != nil {
		t.Fatalf("Interface: %v", err)
	}
	if iface.Offset != 3600 || iface.Resolution != NanosecondResolution {
		t.Fatalf("unexpected interface %+v", iface)
	}

	if _, err := r.Section().Describe(1, binary.LittleEndian); gerr.KindOf(err) != gerr.KindInterfaceNotFound {
		t.Fatalf("expected interface-not-found, got %v", err)
	}
}

func TestBlockLengthsCoverFile(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, WithByteOrder(order), WithSectionOption(Option{Code: OptShbUserAppl, Value: []byte("gcap")}))
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			id, err := w.AddInterface(1, 0, WithInterfaceName("eth0"))
			if err != nil {
				t.Fatalf("AddInterface: %v", err)
			}
			for n := 0; n < 6; n++ {
				if err := w.WritePacket(id, bytes.Repeat([]byte{byte(n)}, n), time.Unix(int64(n), 0)); err != nil {
					t.Fatalf("WritePacket %d: %v", n, err)
				}
			}
			for _, b := range []Block{
				&SimplePacketBlock{OriginalLen: 3, PacketData: []byte{7, 8, 9}},
				&NameResolutionBlock{Records: []NameRecord{NewNameRecord(net.ParseIP("10.0.0.1"), "gw")}},
				&InterfaceStatisticsBlock{InterfaceID: id},
			} {
				if err := w.WriteBlock(b); err != nil {
					t.Fatalf("WriteBlock %s: %v", b.BlockType(), err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			data := buf.Bytes()

			blocks := readAll(t, quietReader(bytes.NewReader(data)))
			if len(blocks) != 11 {
				t.Fatalf("expected 11 blocks, got %d", len(blocks))
			}
			var sum int
			for i, b := range blocks {
				if sum+8 > len(data) {
					t.Fatalf("block %d starts past end of file", i)
				}
				total := int(order.Uint32(data[sum+4 : sum+8]))
				if total%4 != 0 || sum+total > len(data) {
					t.Fatalf("block %d: bad total length %d", i, total)
				}
				if trailing := int(order.Uint32(data[sum+total-4 : sum+total])); trailing != total {
					t.Fatalf("block %d: trailing length %d, leading %d", i, trailing, total)
				}
				enc, err := AppendBlock(nil, order, b)
				if err != nil {
					t.Fatalf("AppendBlock %d: %v", i, err)
				}
				if len(enc) != total {
					t.Fatalf("block %d: re-encoded %d bytes, total length %d", i, len(enc), total)
				}
				sum += total
			}
			if sum != len(data) {
				t.Fatalf("block lengths sum to %d, file has %d bytes", sum, len(data))
			}
		})
	}
}
