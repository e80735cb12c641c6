package pcapng

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
	byteOrder     binary.ByteOrder
	major         uint16
	minor         uint16
	sectionLength int64
	sectionOpts   Options
	defaultRes    Resolution
	bufferSize    int
	deferSection  bool
	retry         []gretry.Option
}

// Writer 写出 pcapng。接口引用由写入器自己的 Section 校验，
// 传输挂起时写入返回 gerr.ErrWouldBlock 且该块不生效。
type Writer struct {
	sink       *frame.Sink
	sec        *Section
	order      binary.ByteOrder
	defaultRes Resolution
}

type InterfaceOption func(*interfaceConfig) error

type interfaceConfig struct {
	resolution Resolution
	hasRes     bool
	options    Options
}

func NewWriter(w io.Writer, opts ...WriterOption) (*Writer, error) {
	cfg := writerConfig{
		byteOrder:     binary.LittleEndian,
		major:         1,
		minor:         0,
		sectionLength: -1,
		defaultRes:    DefaultResolution,
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
		sink:       frame.NewSink(w, sinkOpts...),
		sec:        NewSection(),
		order:      cfg.byteOrder,
		defaultRes: cfg.defaultRes,
	}
	if cfg.deferSection {
		return writer, nil
	}

	shb := &SectionHeaderBlock{
		ByteOrder:     cfg.byteOrder,
		MajorVersion:  cfg.major,
		MinorVersion:  cfg.minor,
		SectionLength: cfg.sectionLength,
		Options:       append(Options(nil), cfg.sectionOpts...),
	}
	if err := writer.WriteSectionHeader(shb); err != nil {
		return nil, err
	}
	return writer, nil
}

// Section 返回写入器维护的 section 状态。
func (w *Writer) Section() *Section {
	return w.sec
}

// WriteSectionHeader 开始新的 section，之后的块按 shb 的字节序写出。
func (w *Writer) WriteSectionHeader(shb *SectionHeaderBlock) error {
	return w.WriteBlock(shb)
}

// AddInterface 写出 IDB 并返回接口序号。
func (w *Writer) AddInterface(linkType uint16, snapLen uint32, opts ...InterfaceOption) (uint32, error) {
	cfg := interfaceConfig{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return 0, err
		}
	}

	res := w.defaultRes
	if cfg.hasRes {
		res = cfg.resolution
	}
	options := append(Options(nil), cfg.options...)
	if res != DefaultResolution {
		if _, ok := options.Get(OptIfTsResol); !ok {
			options = append(options, Option{Code: OptIfTsResol, Value: []byte{byte(res)}})
		}
	}

	idb := &InterfaceDescriptionBlock{LinkType: linkType, SnapLen: snapLen, Options: options}
	if err := w.WriteBlock(idb); err != nil {
		return 0, err
	}
	return uint32(len(w.sec.Interfaces()) - 1), nil
}

// WritePacket 以 EPB 写出一个包，时间戳按接口精度换算。
func (w *Writer) WritePacket(interfaceID uint32, data []byte, ts time.Time, opts ...Option) error {
	iface, err := w.sec.Interface(interfaceID)
	if err != nil {
		return err
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	epb := &EnhancedPacketBlock{
		InterfaceID: interfaceID,
		OriginalLen: uint32(len(data)),
		PacketData:  data,
		Options:     opts,
	}
	if iface.SnapLen > 0 && uint32(len(data)) > iface.SnapLen {
		epb.PacketData = data[:iface.SnapLen]
	}
	epb.SetTimestamp(iface.Units(ts))
	return w.WriteBlock(epb)
}

// WriteBlock 校验接口引用后写出任意块。
func (w *Writer) WriteBlock(b Block) error {
	if b == nil {
		return fmt.Errorf("pcapng: block is nil")
	}
	if err := w.check(b); err != nil {
		return err
	}
	order := w.order
	if shb, ok := b.(*SectionHeaderBlock); ok {
		if shb.ByteOrder == nil {
			shb.ByteOrder = w.order
		}
		order = shb.ByteOrder
	}

	if err := w.sink.Admit(); err != nil {
		return err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var err error
	if buf.B, err = AppendBlock(buf.B, order, b); err != nil {
		return err
	}
	if _, err := w.sink.Write(buf.B); err != nil {
		return err
	}
	if err := w.sec.Apply(b); err != nil {
		return err
	}
	w.order = order
	return w.sink.Commit()
}

// check 写路径额外校验 ISB 的接口引用与 IDB 的时间精度。
func (w *Writer) check(b Block) error {
	if _, ok := b.(*SectionHeaderBlock); !ok && w.sec.State() != InSection {
		return gerr.New(gerr.KindInterfaceNotFound, opWrite, "%s written before any section header", b.BlockType())
	}
	switch b := b.(type) {
	case *InterfaceStatisticsBlock:
		if _, err := w.sec.Interface(b.InterfaceID); err != nil {
			return err
		}
	case *InterfaceDescriptionBlock:
		if res := b.Resolution(); !res.Writable() {
			return gerr.New(gerr.KindOptionMalformed, opWrite, "timestamp resolution %s finer than 1ns", res)
		}
	}
	return w.sec.Check(b)
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

func WithInterfaceOption(code uint16, value []byte) InterfaceOption {
	return func(cfg *interfaceConfig) error {
		if code == OptEndOfOpt {
			return fmt.Errorf("pcapng: opt_endofopt is written automatically")
		}
		cfg.options = append(cfg.options, Option{Code: code, Value: append([]byte(nil), value...)})
		return nil
	}
}

func WithInterfaceName(name string) InterfaceOption {
	return WithInterfaceOption(OptIfName, []byte(name))
}

// WithInterfaceTimestampResolution 只接受 1s 到 1ns 之间的十进制精度。
func WithInterfaceTimestampResolution(res time.Duration) InterfaceOption {
	return func(cfg *interfaceConfig) error {
		r, err := ResolutionFromDuration(res)
		if err != nil {
			return err
		}
		cfg.resolution = r
		cfg.hasRes = true
		return nil
	}
}

// WithInterfaceResolution 直接指定 if_tsresol，可以是二进制精度，但不能细于 1ns。
func WithInterfaceResolution(res Resolution) InterfaceOption {
	return func(cfg *interfaceConfig) error {
		if !res.Writable() {
			return fmt.Errorf("pcapng: invalid timestamp resolution %s", res)
		}
		cfg.resolution = res
		cfg.hasRes = true
		return nil
	}
}

func WithByteOrder(order binary.ByteOrder) WriterOption {
	return func(cfg *writerConfig) error {
		if order != binary.BigEndian && order != binary.LittleEndian {
			return fmt.Errorf("pcapng: unsupported byte order")
		}
		cfg.byteOrder = order
		return nil
	}
}

func WithSectionVersion(major, minor uint16) WriterOption {
	return func(cfg *writerConfig) error {
		if major == 0 {
			return fmt.Errorf("pcapng: section major version must be positive")
		}
		cfg.major = major
		cfg.minor = minor
		return nil
	}
}

func WithSectionLength(length int64) WriterOption {
	return func(cfg *writerConfig) error {
		cfg.sectionLength = length
		return nil
	}
}

func WithSectionOption(option Option) WriterOption {
	return func(cfg *writerConfig) error {
		cfg.sectionOpts = append(cfg.sectionOpts, option)
		return nil
	}
}

func WithDefaultTimestampResolution(res time.Duration) WriterOption {
	return func(cfg *writerConfig) error {
		r, err := ResolutionFromDuration(res)
		if err != nil {
			return err
		}
		cfg.defaultRes = r
		return nil
	}
}

// WithBuffer 待发送字节达到 size 时才交给传输。
func WithBuffer(size int) WriterOption {
	return func(cfg *writerConfig) error {
		if size <= 0 {
			return fmt.Errorf("pcapng: buffer size must be positive")
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

// WithDeferredSection 不自动写 SHB，由调用方通过 WriteSectionHeader 写出。
func WithDeferredSection() WriterOption {
	return func(cfg *writerConfig) error {
		cfg.deferSection = true
		return nil
	}
}
