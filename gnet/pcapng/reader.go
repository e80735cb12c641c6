package pcapng

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/glog"
	"github.com/sofiworker/gcap/gnet/frame"
)

type ReaderOption func(*readerConfig)

type readerConfig struct {
	logger    glog.GLogger
	frameOpts []frame.Option
}

// WithLogger 设置读取过程使用的 logger。
func WithLogger(l glog.GLogger) ReaderOption {
	return func(c *readerConfig) {
		c.logger = l
	}
}

// WithFrameOptions 透传给内部的 frame.Assembler。
func WithFrameOptions(opts ...frame.Option) ReaderOption {
	return func(c *readerConfig) {
		c.frameOpts = append(c.frameOpts, opts...)
	}
}

// Reader 增量读取 pcapng 块。
//
// 传输暂无数据时返回 gerr.ErrWouldBlock，再次调用从断点继续。
// 致命错误只返回一次，之后返回 io.EOF，Err 保留该错误。
type Reader struct {
	asm  *frame.Assembler
	sec  *Section
	log  glog.GLogger
	done bool
	err  error
}

// Packet 带换算后时间戳的一个包。SPB 没有时间戳，Timestamp 为零值。
type Packet struct {
	InterfaceID uint32
	LinkType    uint16
	Data        []byte
	Timestamp   time.Time
	CapturedLen uint32
	OriginalLen uint32
	Options     Options
}

func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	cfg := newReaderConfig(opts)
	return newReader(frame.New(r, cfg.frameOpts...), cfg)
}

// NewReaderFrom 在已有的装配器上创建 Reader。
func NewReaderFrom(asm *frame.Assembler, opts ...ReaderOption) *Reader {
	return newReader(asm, newReaderConfig(opts))
}

func newReaderConfig(opts []ReaderOption) readerConfig {
	var cfg readerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = glog.Default()
	}
	return cfg
}

func newReader(asm *frame.Assembler, cfg readerConfig) *Reader {
	return &Reader{asm: asm, sec: NewSection(), log: cfg.logger.Module("pcapng")}
}

// Section 返回读取器维护的 section 状态。
func (r *Reader) Section() *Section {
	return r.sec
}

// CurrentSection 返回最近一个 SHB。
func (r *Reader) CurrentSection() *SectionHeaderBlock {
	return r.sec.Header()
}

// InterfaceInfo 返回当前 section 中的接口。
func (r *Reader) InterfaceInfo(id uint32) (*Interface, bool) {
	iface, err := r.sec.Interface(id)
	return iface, err == nil
}

func (r *Reader) Err() error {
	return r.err
}

// Release 归还内部缓冲区。
func (r *Reader) Release() {
	r.asm.Release()
}

// NextBlock 返回下一个块。单元素错误不影响后续读取；流在块边界结束时返回 io.EOF。
func (r *Reader) NextBlock() (Block, error) {
	if r.done {
		return nil, io.EOF
	}
	start := r.asm.Offset()
	b, err := r.asm.NextFrame(blockFramer{sec: r.sec})
	if err != nil {
		return nil, r.fail(err)
	}
	blk, err := r.decode(b)
	if err != nil {
		var ge *gerr.Err
		if errors.As(err, &ge) && ge.Offset < 0 {
			ge.At(start)
		}
		return nil, r.fail(err)
	}
	return blk, nil
}

// decode 解码并推进 section 状态。读取路径只校验包块的接口引用。
func (r *Reader) decode(raw []byte) (Block, error) {
	blk, err := DecodeBlock(raw, r.sec)
	if err != nil {
		if !gerr.IsFatal(err) {
			r.resync(raw)
		}
		return nil, err
	}
	switch b := blk.(type) {
	case *SectionHeaderBlock:
		r.sec.Begin(b)
		r.log.Debug("pcapng section",
			"version", b.MajorVersion, "minor", b.MinorVersion, "big_endian", b.ByteOrder == binary.BigEndian)
	case *InterfaceDescriptionBlock:
		id, err := r.sec.AddInterface(b)
		if err != nil {
			return nil, err
		}
		r.log.Debug("pcapng interface", "id", id, "linktype", b.LinkType, "snaplen", b.SnapLen, "tsresol", b.Resolution().String())
	case PacketBlock:
		if err := r.sec.Check(b); err != nil {
			return nil, err
		}
	}
	return blk, nil
}

// resync 单元素错误后保持 section 状态一致：SHB 仍然开启新 section，IDB 仍然占位。
func (r *Reader) resync(raw []byte) {
	switch BlockType(binary.BigEndian.Uint32(raw[0:4])) {
	case SectionHeaderBlockType:
		if order, err := sectionOrder(raw[8:12]); err == nil {
			r.sec.Begin(&SectionHeaderBlock{ByteOrder: order, MajorVersion: 1, SectionLength: -1})
		}
		return
	}
	if order := r.sec.ByteOrder(); order != nil && BlockType(order.Uint32(raw[0:4])) == InterfaceDescriptionBlockType {
		r.sec.reserve()
	}
}

// ReadPacket 跳过非包块，返回下一个包。
func (r *Reader) ReadPacket() (*Packet, error) {
	for {
		blk, err := r.NextBlock()
		if err != nil {
			return nil, err
		}
		pb, ok := blk.(PacketBlock)
		if !ok {
			continue
		}
		return r.packet(pb), nil
	}
}

func (r *Reader) packet(pb PacketBlock) *Packet {
	captured, original := pb.Lengths()
	pkt := &Packet{
		InterfaceID: pb.InterfaceIndex(),
		Data:        pb.Payload(),
		CapturedLen: captured,
		OriginalLen: original,
	}
	switch b := pb.(type) {
	case *EnhancedPacketBlock:
		pkt.Options = b.Options
	case *ObsoletePacketBlock:
		pkt.Options = b.Options
	}
	iface, err := r.sec.Interface(pkt.InterfaceID)
	if err != nil {
		// 无接口的 SPB
		return pkt
	}
	pkt.LinkType = iface.LinkType
	if units, ok := pb.RawTimestamp(); ok {
		pkt.Timestamp = iface.Time(units)
	}
	return pkt
}

func (r *Reader) fail(err error) error {
	switch {
	case err == io.EOF:
		r.done = true
	case gerr.IsWouldBlock(err):
	case gerr.IsFatal(err):
		r.done = true
		r.err = err
		r.log.Error("pcapng stream terminated", "error", err)
	default:
		r.log.Warn("pcapng block skipped", "error", err)
	}
	return err
}
