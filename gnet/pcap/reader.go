package pcap

import (
	"errors"
	"io"

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

// Reader 增量读取 pcap 记录。
//
// 传输暂无数据时 ReadPacket 返回 gerr.ErrWouldBlock，再次调用从断点继续。
// 致命错误只返回一次，之后返回 io.EOF，Err 保留该错误。
type Reader struct {
	asm       *frame.Assembler
	header    FileHeader
	hasHeader bool
	framer    recordFramer
	log       glog.GLogger
	done      bool
	err       error
}

// NewReader 从 r 读取文件头并返回 Reader。r 暂无数据时文件头延后到首次 ReadPacket 解析。
func NewReader(r io.Reader, opts ...ReaderOption) (*Reader, error) {
	cfg := newReaderConfig(opts)
	rd := newReader(frame.New(r, cfg.frameOpts...), cfg)
	if err := rd.readHeader(); err != nil && !gerr.IsWouldBlock(err) {
		rd.Release()
		return nil, err
	}
	return rd, nil
}

// NewReaderFrom 在已有的装配器上创建 Reader，文件头在首次 ReadPacket 时解析。
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
	return &Reader{asm: asm, log: cfg.logger.Module("pcap")}
}

// Header 返回文件头；尚未解析时返回零值。
func (r *Reader) Header() FileHeader {
	return r.header
}

// HeaderReady 文件头是否已解析。
func (r *Reader) HeaderReady() bool {
	return r.hasHeader
}

// Err 返回终止读取的致命错误。
func (r *Reader) Err() error {
	return r.err
}

// Release 归还内部缓冲区。
func (r *Reader) Release() {
	r.asm.Release()
}

func (r *Reader) readHeader() error {
	if r.hasHeader {
		return nil
	}
	b, err := r.asm.NextFrame(fileHeaderFramer{})
	if err != nil {
		return r.fail(err)
	}
	h, err := ParseFileHeader(b)
	if err != nil {
		return r.fail(err)
	}
	r.header = h
	r.hasHeader = true
	r.framer = recordFramer{order: h.ByteOrder(), snapLen: h.SnapLen}
	r.log.Debug("pcap header",
		"version", h.VersionMajor, "snaplen", h.SnapLen, "linktype", h.Network,
		"little_endian", h.IsLittleEndian(), "resolution", h.TimestampResolution().String())
	return nil
}

// ReadPacket 返回下一条记录。流在记录边界结束时返回 io.EOF。
func (r *Reader) ReadPacket() (*Packet, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := r.readHeader(); err != nil {
		return nil, err
	}

	start := r.asm.Offset()
	b, err := r.asm.NextFrame(r.framer)
	if err != nil {
		return nil, r.fail(err)
	}
	pkt, err := ParseRecord(b, r.header)
	if err != nil {
		var ge *gerr.Err
		if errors.As(err, &ge) {
			ge.At(start)
		}
		return nil, r.fail(err)
	}
	return pkt, nil
}

func (r *Reader) fail(err error) error {
	switch {
	case err == io.EOF:
		r.done = true
	case gerr.IsWouldBlock(err):
	case gerr.IsFatal(err):
		r.done = true
		r.err = err
		r.log.Error("pcap stream terminated", "error", err)
	default:
		r.log.Warn("pcap record skipped", "error", err)
	}
	return err
}
