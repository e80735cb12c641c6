package capfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sofiworker/gcap/gnet/packet"
	"github.com/sofiworker/gcap/gnet/pcap"
	"github.com/sofiworker/gcap/gnet/pcapng"
	"github.com/sofiworker/gcap/gretry"
)

// Writer 统一的抓包文件写入器。
//
// 传输暂不接受数据时 WritePacket 返回 gerr.ErrWouldBlock 且不写入该包，
// 调用方稍后重试同一个包或调用 FlushContext 等待。
type Writer interface {
	// WriteHeader 写出文件头或 SHB，重复调用无效果。WritePacket 会按需自动调用。
	WriteHeader() error
	WritePacket(p *packet.Packet) error
	Flush() error
	FlushContext(ctx context.Context) error
	Close() error
}

// WriterOptions 写入参数，零值字段取默认值。
type WriterOptions struct {
	// ByteOrder 默认小端。
	ByteOrder binary.ByteOrder
	// Resolution pcap 只支持 µs 与 ns；pcapng 作为接口的 if_tsresol。默认 µs。
	Resolution time.Duration
	// SnapLen 默认 65535。
	SnapLen uint32
	// LinkType 包未携带链路类型时使用，默认以太网。
	LinkType uint32
	// BufferSize 待发送字节达到该值才交给传输，默认每条记录都交出。
	BufferSize int
	// CompressionLevel CreateFile 写压缩文件时的级别，0 为默认。
	CompressionLevel int
	// Retry FlushContext 与 Close 的重试策略。
	Retry []gretry.Option
	// MeterProvider 为 nil 时使用全局 MeterProvider。
	MeterProvider metric.MeterProvider
	// Interfaces pcapng 输出声明接口时优先取其描述，通常为 Reader.Interfaces。
	Interfaces InterfaceSource
}

// InterfaceSource 按接口序号给出以 order 编码的接口描述，没有该接口时返回 false。
type InterfaceSource func(id int, order binary.ByteOrder) (*pcapng.InterfaceDescriptionBlock, bool)

func (o WriterOptions) withDefaults() WriterOptions {
	if o.ByteOrder == nil {
		o.ByteOrder = binary.LittleEndian
	}
	if o.Resolution == 0 {
		o.Resolution = time.Microsecond
	}
	if o.SnapLen == 0 {
		o.SnapLen = 65535
	}
	if o.LinkType == 0 {
		o.LinkType = 1
	}
	return o
}

func (o WriterOptions) pcapOptions() []pcap.WriterOption {
	wopts := []pcap.WriterOption{
		pcap.WithByteOrder(o.ByteOrder),
		pcap.WithTimestampResolution(o.Resolution),
		pcap.WithSnapLen(o.SnapLen),
		pcap.WithLinkType(o.LinkType),
		pcap.WithFlushRetry(o.Retry...),
		pcap.WithDeferredHeader(),
	}
	if o.BufferSize > 0 {
		wopts = append(wopts, pcap.WithBuffer(o.BufferSize))
	}
	return wopts
}

// NewWriter 按 format 创建写入器，文件头在 WriteHeader 或第一个包时写出。
func NewWriter(dst io.Writer, format Format, opts WriterOptions) (Writer, error) {
	opts = opts.withDefaults()
	m := newMetrics(opts.MeterProvider).withFormat(format)
	switch format {
	case FormatPcap:
		w, err := pcap.NewWriter(dst, opts.pcapOptions()...)
		if err != nil {
			return nil, err
		}
		return &pcapWriter{w: w, metrics: m}, nil
	case FormatPcapNg:
		res, err := pcapng.ResolutionFromDuration(opts.Resolution)
		if err != nil {
			return nil, err
		}
		wopts := []pcapng.WriterOption{
			pcapng.WithByteOrder(opts.ByteOrder),
			pcapng.WithFlushRetry(opts.Retry...),
			pcapng.WithDeferredSection(),
		}
		if opts.BufferSize > 0 {
			wopts = append(wopts, pcapng.WithBuffer(opts.BufferSize))
		}
		w, err := pcapng.NewWriter(dst, wopts...)
		if err != nil {
			return nil, err
		}
		return &pcapngWriter{
			w:       w,
			opts:    opts,
			res:     res,
			metrics: m,
		}, nil
	}
	return nil, fmt.Errorf("capfile: cannot write format %s", format)
}

type pcapWriter struct {
	w       *pcap.Writer
	metrics *metrics
}

func (w *pcapWriter) WriteHeader() error {
	return w.w.WriteHeader()
}

func (w *pcapWriter) WritePacket(p *packet.Packet) error {
	if p == nil {
		return fmt.Errorf("capfile: packet is nil")
	}
	rec := p.ToPCAP()
	if snap := w.w.Header().SnapLen; snap > 0 && rec.Header.InclLen > snap {
		rec.Header.InclLen = snap
		rec.Data = rec.Data[:snap]
	}
	if err := w.w.WritePacket(rec); err != nil {
		return err
	}
	w.metrics.wrote(len(rec.Data))
	return nil
}

func (w *pcapWriter) Flush() error { return w.w.Flush() }

func (w *pcapWriter) FlushContext(ctx context.Context) error { return w.w.FlushContext(ctx) }

func (w *pcapWriter) Close() error { return w.w.Close() }

// pcapngWriter 保留包的接口序号，按序号顺序补齐尚未声明的接口。
type pcapngWriter struct {
	w       *pcapng.Writer
	opts    WriterOptions
	res     pcapng.Resolution
	metrics *metrics
}

func (w *pcapngWriter) WriteHeader() error {
	if w.w.Section().State() == pcapng.InSection {
		return nil
	}
	return w.w.WriteSectionHeader(&pcapng.SectionHeaderBlock{
		ByteOrder:     w.opts.ByteOrder,
		MajorVersion:  1,
		SectionLength: -1,
	})
}

// declare 依次声明 [已声明数, id] 区间的接口。Interfaces 没有描述的序号使用默认参数，
// 其中 id 本身取包的链路类型。
func (w *pcapngWriter) declare(id uint32, linkType uint32) error {
	for n := uint32(len(w.w.Section().Interfaces())); n <= id; n++ {
		if w.opts.Interfaces != nil {
			if idb, ok := w.opts.Interfaces(int(n), w.opts.ByteOrder); ok {
				if !idb.Resolution().Writable() {
					idb.Options = slices.DeleteFunc(idb.Options, func(o pcapng.Option) bool {
						return o.Code == pcapng.OptIfTsResol
					})
					idb.Options = append(idb.Options, pcapng.Option{Code: pcapng.OptIfTsResol, Value: []byte{byte(w.res)}})
				}
				if err := w.w.WriteBlock(idb); err != nil {
					return err
				}
				continue
			}
		}
		lt := w.opts.LinkType
		if n == id && linkType != 0 {
			lt = linkType
		}
		if _, err := w.w.AddInterface(uint16(lt), w.opts.SnapLen, pcapng.WithInterfaceResolution(w.res)); err != nil {
			return err
		}
	}
	return nil
}

func (w *pcapngWriter) WritePacket(p *packet.Packet) error {
	if p == nil {
		return fmt.Errorf("capfile: packet is nil")
	}
	if err := w.WriteHeader(); err != nil {
		return err
	}
	if p.InterfaceID > math.MaxUint16 {
		return fmt.Errorf("capfile: interface id %d out of range", p.InterfaceID)
	}
	id := uint32(max(p.InterfaceID, 0))
	if err := w.declare(id, p.LinkType); err != nil {
		return err
	}
	iface, err := w.w.Section().Interface(id)
	if err != nil {
		return err
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data := p.Data
	if iface.SnapLen > 0 && uint32(len(data)) > iface.SnapLen {
		data = data[:iface.SnapLen]
	}
	epb := &pcapng.EnhancedPacketBlock{
		InterfaceID: id,
		OriginalLen: uint32(max(p.OriginalLen, len(p.Data))),
		PacketData:  data,
	}
	epb.SetTimestamp(iface.Units(ts))
	if err := w.w.WriteBlock(epb); err != nil {
		return err
	}
	w.metrics.wrote(len(data))
	return nil
}

func (w *pcapngWriter) Flush() error { return w.w.Flush() }

func (w *pcapngWriter) FlushContext(ctx context.Context) error { return w.w.FlushContext(ctx) }

func (w *pcapngWriter) Close() error { return w.w.Close() }
