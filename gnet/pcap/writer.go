package pcap

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/gnet/frame"
	"github.com/sofiworker/gcap/gretry"
)

type WriterOption func(*writerConfig) error

type writerConfig struct {
	byteOrder  binary.ByteOrder
	resolution time.Duration
	versionMaj uint16
	versionMin uint16
	thisZone   int32
	sigFigs    uint32
	snapLen    uint32
	network    uint32
	bufferSize int
	retry      []gretry.Option
	deferred   bool
}

// Writer 写出 pcap。编码结果先进入待发送缓冲区，传输挂起时 WritePacket
// 返回 gerr.ErrWouldBlock 且不写入该记录，调用方稍后重试同一条记录。
type Writer struct {
	sink      *frame.Sink
	header    FileHeader
	byteOrder binary.ByteOrder
	tsUnit    time.Duration
	wroteHdr  bool
}

func NewWriter(w io.Writer, opts ...WriterOption) (*Writer, error) {
	cfg := writerConfig{
		byteOrder:  binary.LittleEndian,
		resolution: time.Microsecond,
		versionMaj: 2,
		versionMin: 4,
		snapLen:    65535,
		network:    1,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	sinkOpts := []frame.SinkOption{frame.WithFlushThreshold(cfg.bufferSize), frame.WithRetry(cfg.retry...)}
	if closer, ok := w.(io.Closer); ok {
		sinkOpts = append(sinkOpts, frame.WithCloser(closer))
	}

	writer := &Writer{
		sink: frame.NewSink(w, sinkOpts...),
		header: FileHeader{
			MagicNumber:  selectMagic(cfg.byteOrder, cfg.resolution),
			VersionMajor: cfg.versionMaj,
			VersionMinor: cfg.versionMin,
			ThisZone:     cfg.thisZone,
			SigFigs:      cfg.sigFigs,
			SnapLen:      cfg.snapLen,
			Network:      cfg.network,
		},
		byteOrder: cfg.byteOrder,
		tsUnit:    cfg.resolution,
	}
	if cfg.deferred {
		return writer, nil
	}
	if err := writer.WriteHeader(); err != nil {
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Header() FileHeader {
	return w.header
}

// WriteHeader 写出文件头，重复调用无效果。
func (w *Writer) WriteHeader() error {
	if w.wroteHdr {
		return nil
	}
	if err := w.sink.Admit(); err != nil {
		return err
	}
	if _, err := w.sink.Write(AppendFileHeader(make([]byte, 0, FileHeaderLen), w.header)); err != nil {
		return err
	}
	w.wroteHdr = true
	return w.sink.Commit()
}

func (w *Writer) WritePacket(pkt *Packet) error {
	if pkt == nil {
		return fmt.Errorf("pcap: packet is nil")
	}

	header := pkt.Header
	switch {
	case !pkt.Timestamp.IsZero():
		header.SetTimestamp(pkt.Timestamp, w.tsUnit)
	case header.TsSec == 0 && header.TsUsec == 0:
		header.SetTimestamp(time.Now().UTC(), w.tsUnit)
	}

	if uint32(len(pkt.Data)) < header.InclLen {
		return gerr.New(gerr.KindInvalidRecord, opWrite, "packet data shorter than captured length %d", header.InclLen)
	}
	if header.InclLen == 0 {
		header.InclLen = uint32(len(pkt.Data))
	}
	if header.OrigLen == 0 {
		header.OrigLen = uint32(len(pkt.Data))
	}
	if header.InclLen > header.OrigLen {
		return gerr.New(gerr.KindInvalidRecord, opWrite, "captured length %d exceeds original length %d", header.InclLen, header.OrigLen)
	}
	if w.header.SnapLen > 0 && header.InclLen > w.header.SnapLen {
		return gerr.New(gerr.KindInvalidRecord, opWrite, "captured length %d exceeds snap length %d", header.InclLen, w.header.SnapLen)
	}

	if err := w.WriteHeader(); err != nil {
		return err
	}
	if err := w.sink.Admit(); err != nil {
		return err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = AppendPacketHeader(buf.B, w.byteOrder, header)
	buf.B = append(buf.B, pkt.Data[:header.InclLen]...)
	if _, err := w.sink.Write(buf.B); err != nil {
		return err
	}
	return w.sink.Commit()
}

func (w *Writer) WritePacketData(data []byte, ts time.Time) error {
	return w.WritePacket(&Packet{Data: data, Timestamp: ts})
}

// Pending 返回尚未被传输接受的字节数。
func (w *Writer) Pending() int {
	return w.sink.Pending()
}

// Flush 把待发送字节交给传输，挂起时返回 gerr.ErrWouldBlock。
func (w *Writer) Flush() error {
	return w.sink.Flush()
}

// FlushContext 带退避地重试 Flush。
func (w *Writer) FlushContext(ctx context.Context) error {
	return w.sink.FlushContext(ctx)
}

// Close 刷出剩余数据并关闭底层 io.Closer。
func (w *Writer) Close() error {
	return w.sink.Close()
}

func WithSnapLen(snapLen uint32) WriterOption {
	return func(cfg *writerConfig) error {
		if snapLen == 0 {
			return fmt.Errorf("pcap: snap length must be positive")
		}
		cfg.snapLen = snapLen
		return nil
	}
}

func WithLinkType(linkType uint32) WriterOption {
	return func(cfg *writerConfig) error {
		cfg.network = linkType
		return nil
	}
}

// WithBuffer 待发送字节达到 size 时才交给传输，以减少系统调用。
func WithBuffer(size int) WriterOption {
	return func(cfg *writerConfig) error {
		if size <= 0 {
			return fmt.Errorf("pcap: buffer size must be positive")
		}
		cfg.bufferSize = size
		return nil
	}
}

// WithFlushRetry 设置 FlushContext 与 Close 的重试策略。
func WithFlushRetry(opts ...gretry.Option) WriterOption {
	return func(cfg *writerConfig) error {
		cfg.retry = append(cfg.retry, opts...)
		return nil
	}
}

func WithByteOrder(order binary.ByteOrder) WriterOption {
	return func(cfg *writerConfig) error {
		if order != binary.BigEndian && order != binary.LittleEndian {
			return fmt.Errorf("pcap: unsupported byte order")
		}
		cfg.byteOrder = order
		return nil
	}
}

func WithTimestampResolution(resolution time.Duration) WriterOption {
	return func(cfg *writerConfig) error {
		switch resolution {
		case time.Microsecond, time.Nanosecond:
			cfg.resolution = resolution
			return nil
		default:
			return fmt.Errorf("pcap: unsupported timestamp resolution %s", resolution)
		}
	}
}

func WithVersion(major, minor uint16) WriterOption {
	return func(cfg *writerConfig) error {
		if major == 0 {
			return fmt.Errorf("pcap: version major must be positive")
		}
		cfg.versionMaj = major
		cfg.versionMin = minor
		return nil
	}
}

func WithTimeZone(zone int32) WriterOption {
	return func(cfg *writerConfig) error {
		cfg.thisZone = zone
		return nil
	}
}

func WithSigFigs(sig uint32) WriterOption {
	return func(cfg *writerConfig) error {
		cfg.sigFigs = sig
		return nil
	}
}

// WithDeferredHeader 文件头推迟到 WriteHeader 或第一条记录时写出。
func WithDeferredHeader() WriterOption {
	return func(cfg *writerConfig) error {
		cfg.deferred = true
		return nil
	}
}
