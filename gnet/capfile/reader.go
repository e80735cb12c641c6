package capfile

import (
	"encoding/binary"
	"io"
	"iter"

	"go.opentelemetry.io/otel/metric"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/glog"
	"github.com/sofiworker/gcap/gnet/frame"
	"github.com/sofiworker/gcap/gnet/packet"
	"github.com/sofiworker/gcap/gnet/pcap"
	"github.com/sofiworker/gcap/gnet/pcapng"
)

const opRead = "capfile.read"

type Option func(*options)

type options struct {
	logger    glog.GLogger
	frameOpts []frame.Option
	meter     metric.MeterProvider
}

// WithLogger 设置读取过程使用的 logger。
func WithLogger(l glog.GLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxFrameSize 单个记录或块的上限，超过即视为致命错误。
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		o.frameOpts = append(o.frameOpts, frame.WithMaxFrameSize(n))
	}
}

// WithReadSize 每次从传输读取的字节数。
func WithReadSize(n int) Option {
	return func(o *options) {
		o.frameOpts = append(o.frameOpts, frame.WithReadSize(n))
	}
}

// WithMeterProvider 替换默认的全局 MeterProvider。
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meter = mp
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = glog.Default()
	}
	return o
}

// Reader 统一的抓包文件读取器，首次读取时识别格式。
//
// 传输暂无数据时返回 gerr.ErrWouldBlock，再次调用从断点继续；
// 致命错误只返回一次，之后返回 io.EOF，Err 保留该错误。
type Reader struct {
	asm     *frame.Assembler
	opts    options
	log     glog.GLogger
	metrics *metrics
	det     Detection
	sniffed bool
	pcap    *pcap.Reader
	ng      *pcapng.Reader
	closer  io.Closer
	done    bool
	err     error
}

// Open 从 src 读取并立即识别格式。空流得到空序列；传输暂无数据时识别推迟到首次读取。
func Open(src io.Reader, opts ...Option) (*Reader, error) {
	o := newOptions(opts)
	r := newReader(frame.New(src, o.frameOpts...), o)
	if err := r.sniff(); err != nil && err != io.EOF && !gerr.IsWouldBlock(err) {
		r.Release()
		return nil, err
	}
	return r, nil
}

// NewDecoder 创建推模式读取器，数据由 Feed 提供。
func NewDecoder(opts ...Option) *Reader {
	o := newOptions(opts)
	return newReader(frame.New(nil, o.frameOpts...), o)
}

func newReader(asm *frame.Assembler, o options) *Reader {
	return &Reader{
		asm:     asm,
		opts:    o,
		log:     o.logger.Module("capfile"),
		metrics: newMetrics(o.meter),
	}
}

// Feed 追加数据（推模式）。
func (r *Reader) Feed(p []byte) error {
	return r.asm.Feed(p)
}

// CloseFeed 标记推模式数据结束。
func (r *Reader) CloseFeed() {
	r.asm.CloseFeed()
}

// Format 返回识别出的格式，尚未识别时为 FormatUnknown。
func (r *Reader) Format() Format {
	return r.det.Format
}

func (r *Reader) Detection() Detection {
	return r.det
}

// PcapHeader 返回 pcap 文件头。
func (r *Reader) PcapHeader() (pcap.FileHeader, bool) {
	if r.pcap == nil || !r.pcap.HeaderReady() {
		return pcap.FileHeader{}, false
	}
	return r.pcap.Header(), true
}

// Section 返回 pcapng 的 section 状态，pcap 流返回 nil。
func (r *Reader) Section() *pcapng.Section {
	if r.ng == nil {
		return nil
	}
	return r.ng.Section()
}

// Interfaces 以当前 section 的接口表作为 InterfaceSource，pcap 流没有接口描述。
func (r *Reader) Interfaces() InterfaceSource {
	return func(id int, order binary.ByteOrder) (*pcapng.InterfaceDescriptionBlock, bool) {
		sec := r.Section()
		if sec == nil || id < 0 {
			return nil, false
		}
		idb, err := sec.Describe(uint32(id), order)
		return idb, err == nil
	}
}

// Err 返回终止读取的致命错误。
func (r *Reader) Err() error {
	return r.err
}

// Release 归还内部缓冲区。
func (r *Reader) Release() {
	r.asm.Release()
}

// Close 归还缓冲区并关闭 OpenFile 打开的文件。
func (r *Reader) Close() error {
	r.Release()
	if r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	return c.Close()
}

func (r *Reader) sniff() error {
	if r.sniffed {
		return nil
	}
	b, err := r.asm.Peek(4)
	if err != nil {
		return r.fail(err)
	}
	det, err := Detect(b)
	if err != nil {
		return r.fail(err)
	}
	r.det = det
	r.sniffed = true
	r.metrics = r.metrics.withFormat(det.Format)

	switch det.Format {
	case FormatPcap:
		r.pcap = pcap.NewReaderFrom(r.asm, pcap.WithLogger(r.opts.logger))
	case FormatPcapNg:
		r.ng = pcapng.NewReaderFrom(r.asm, pcapng.WithLogger(r.opts.logger))
	}
	r.log.Debug("capture format detected", "format", det.Format.String())
	return nil
}

// NextPacket 返回下一个包，非包块被跳过。流在帧边界结束时返回 io.EOF。
func (r *Reader) NextPacket() (*packet.Packet, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := r.sniff(); err != nil {
		return nil, err
	}

	if r.pcap != nil {
		pkt, err := r.pcap.ReadPacket()
		if err != nil {
			return nil, r.fail(err)
		}
		p := packet.FromPCAP(pkt, r.pcap.Header())
		r.metrics.read(p.CaptureLen)
		return p, nil
	}

	for {
		blk, err := r.ng.NextBlock()
		if err != nil {
			return nil, r.fail(err)
		}
		pb, ok := blk.(pcapng.PacketBlock)
		if !ok {
			continue
		}
		p, err := packet.Assemble(pb, r.ng.Section())
		if err != nil {
			return nil, r.fail(err)
		}
		r.metrics.read(p.CaptureLen)
		return p, nil
	}
}

// NextBlock 返回下一个 pcapng 块；pcap 流没有块结构，返回 gerr.ErrUnsupportedMagic。
func (r *Reader) NextBlock() (pcapng.Block, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := r.sniff(); err != nil {
		return nil, err
	}
	if r.ng == nil {
		return nil, gerr.New(gerr.KindUnsupportedMagic, opRead, "%s stream has no blocks", r.det.Format)
	}
	blk, err := r.ng.NextBlock()
	if err != nil {
		return nil, r.fail(err)
	}
	if pb, ok := blk.(pcapng.PacketBlock); ok {
		captured, _ := pb.Lengths()
		r.metrics.read(int(captured))
	}
	return blk, nil
}

// All 惰性的包序列。挂起与单元素错误作为 (nil, err) 交给调用方，
// 调用方继续迭代即从断点恢复；致命错误之后序列结束。
func (r *Reader) All() iter.Seq2[*packet.Packet, error] {
	return func(yield func(*packet.Packet, error) bool) {
		for {
			p, err := r.NextPacket()
			if err == io.EOF {
				return
			}
			if !yield(p, err) {
				return
			}
		}
	}
}

// Blocks 惰性的块序列，语义同 All。
func (r *Reader) Blocks() iter.Seq2[pcapng.Block, error] {
	return func(yield func(pcapng.Block, error) bool) {
		for {
			b, err := r.NextBlock()
			if err == io.EOF {
				return
			}
			if !yield(b, err) {
				return
			}
			if r.ng == nil && r.sniffed {
				return
			}
		}
	}
}

func (r *Reader) fail(err error) error {
	switch {
	case err == io.EOF:
		r.done = true
		return err
	case gerr.IsWouldBlock(err):
		return err
	case gerr.IsFatal(err):
		r.done = true
		r.err = err
	}
	r.metrics.failed(err)
	return err
}
