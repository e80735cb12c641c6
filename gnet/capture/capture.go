// Package capture 把一个或多个抓包流按时间戳合并，经 BPF 过滤后写成 pcap 或 pcapng。
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/glog"
	"github.com/sofiworker/gcap/gnet/capfile"
	"github.com/sofiworker/gcap/gnet/packet"
	"github.com/sofiworker/gcap/gnet/pcapng"
	"github.com/sofiworker/gcap/gretry"
)

// Config 合并配置。
type Config struct {
	Inputs     []string       // 输入文件，gzip/zstd 自动解压
	Readers    []io.Reader    // 自定义输入，排在 Inputs 之后
	Format     capfile.Format // 输出格式，默认按 OutputPath 扩展名推断，否则 pcapng
	OutputPath string         // 输出文件路径，.gz/.zst 结尾时压缩
	Writer     io.Writer      // 自定义输出，优先级高于 OutputPath；两者都为空则丢弃
	Filter     Filter         // BPF 过滤器

	SnapLen    uint32        // 默认 65535
	LinkType   uint32        // 包未携带链路类型时使用，默认 1(ETHERNET)
	Resolution time.Duration // 输出时间精度，默认 µs

	// SkipInvalid 跳过单个包的错误（未知接口、畸形块等）继续合并，否则立即返回。
	SkipInvalid bool
	// Retry 输入或输出暂时不可用时的等待策略。
	Retry  []gretry.Option
	Logger glog.GLogger
}

// Stats 合并计数。
type Stats struct {
	Read     int
	Written  int
	Filtered int
	Skipped  int
}

type Capture struct {
	cfg      Config
	log      glog.GLogger
	sources  []*source
	writer   capfile.Writer
	filter   *filter
	ifaces   map[ifaceKey]int
	keys     []ifaceKey
	stats    Stats
	closeFns []func() error
}

type source struct {
	name   string
	index  int
	reader *capfile.Reader
	head   *packet.Packet
	done   bool
}

// ifaceKey 输入流与其接口序号，合并后重新编号。
type ifaceKey struct {
	source int
	iface  int
}

// New 打开所有输入与输出，未开始读取，需调用 Run。
func New(cfg Config) (*Capture, error) {
	cfg = normalizeConfig(cfg)

	if len(cfg.Inputs)+len(cfg.Readers) == 0 {
		return nil, fmt.Errorf("capture: at least one input required")
	}
	if cfg.Format == capfile.FormatPcap && len(cfg.Inputs)+len(cfg.Readers) > 1 {
		return nil, fmt.Errorf("capture: pcap format supports only one input")
	}

	flt, err := cfg.Filter.compile()
	if err != nil {
		return nil, fmt.Errorf("capture: compile filter: %w", err)
	}

	c := &Capture{
		cfg:    cfg,
		log:    cfg.Logger.Module("capture"),
		filter: flt,
		ifaces: make(map[ifaceKey]int),
	}
	ropts := []capfile.Option{capfile.WithLogger(cfg.Logger)}

	for _, path := range cfg.Inputs {
		r, err := capfile.OpenFile(path, ropts...)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("capture: open %s: %w", path, err)
		}
		c.addSource(path, r)
	}
	for i, src := range cfg.Readers {
		r, err := capfile.Open(src, ropts...)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("capture: open reader %d: %w", i, err)
		}
		c.addSource("reader-"+strconv.Itoa(i), r)
	}

	w, err := buildWriter(cfg, c.describe)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.writer = w
	c.closeFns = append(c.closeFns, w.Close)
	return c, nil
}

func (c *Capture) addSource(name string, r *capfile.Reader) {
	c.sources = append(c.sources, &source{name: name, index: len(c.sources), reader: r})
	c.closeFns = append(c.closeFns, r.Close)
}

// Run 按时间戳顺序合并所有输入，直到输入耗尽、ctx 取消或发生错误。返回前关闭输入与输出。
func (c *Capture) Run(ctx context.Context) error {
	if err := gretry.Do(ctx, c.writer.WriteHeader, c.cfg.Retry...).Err; err != nil {
		return errors.Join(fmt.Errorf("capture: write header: %w", err), c.Close())
	}
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, c.Close())
		}

		src, err := c.earliest(ctx)
		if err != nil {
			return errors.Join(err, c.Close())
		}
		if src == nil {
			break
		}

		p := src.head
		src.head = nil
		if err := c.write(ctx, src, p); err != nil {
			return errors.Join(err, c.Close())
		}
	}

	c.log.Info("merge finished", "read", c.stats.Read, "written", c.stats.Written,
		"filtered", c.stats.Filtered, "skipped", c.stats.Skipped)
	return c.Close()
}

// Stats 返回当前计数。
func (c *Capture) Stats() Stats {
	return c.stats
}

// earliest 补齐每个输入的队首包，返回时间戳最早的输入；全部耗尽时返回 nil。
func (c *Capture) earliest(ctx context.Context) (*source, error) {
	var best *source
	for _, src := range c.sources {
		if err := c.fill(ctx, src); err != nil {
			return nil, err
		}
		if src.head == nil {
			continue
		}
		if best == nil || src.head.Timestamp.Before(best.head.Timestamp) {
			best = src
		}
	}
	return best, nil
}

func (c *Capture) fill(ctx context.Context, src *source) error {
	for src.head == nil && !src.done {
		var p *packet.Packet
		err := gretry.Do(ctx, func() error {
			var err error
			p, err = src.reader.NextPacket()
			return err
		}, c.cfg.Retry...).Err

		switch {
		case err == nil:
			src.head = p
			c.stats.Read++
		case err == io.EOF:
			src.done = true
			c.log.Debug("input drained", "input", src.name)
		case c.cfg.SkipInvalid && !gerr.IsFatal(err):
			c.stats.Skipped++
			c.log.Warn("skip invalid packet", "input", src.name, "error", err)
		default:
			return fmt.Errorf("capture: read %s: %w", src.name, err)
		}
	}
	return nil
}

func (c *Capture) write(ctx context.Context, src *source, p *packet.Packet) error {
	if c.filter != nil {
		keep, err := c.filter.apply(p)
		if err != nil {
			return fmt.Errorf("capture: filter %s: %w", src.name, err)
		}
		if !keep {
			c.stats.Filtered++
			return nil
		}
	}

	key := ifaceKey{source: src.index, iface: p.InterfaceID}
	id, ok := c.ifaces[key]
	if !ok {
		id = len(c.keys)
		c.ifaces[key] = id
		c.keys = append(c.keys, key)
	}
	p.InterfaceID = id

	err := gretry.Do(ctx, func() error {
		return c.writer.WritePacket(p)
	}, c.cfg.Retry...).Err
	if err != nil {
		return fmt.Errorf("capture: write %s: %w", src.name, err)
	}
	c.stats.Written++
	return nil
}

// describe 把合并后的接口序号映射回输入流的接口描述，snaplen 不超过 SnapLen。
func (c *Capture) describe(id int, order binary.ByteOrder) (*pcapng.InterfaceDescriptionBlock, bool) {
	if id < 0 || id >= len(c.keys) {
		return nil, false
	}
	key := c.keys[id]
	idb, ok := c.sources[key.source].reader.Interfaces()(key.iface, order)
	if !ok {
		return nil, false
	}
	if idb.SnapLen == 0 || idb.SnapLen > c.cfg.SnapLen {
		idb.SnapLen = c.cfg.SnapLen
	}
	return idb, true
}

// Close 关闭所有输入与输出，可重复调用。
func (c *Capture) Close() error {
	err := closeAll(c.closeFns)
	c.closeFns = nil
	return err
}

func normalizeConfig(cfg Config) Config {
	if cfg.SnapLen == 0 {
		cfg.SnapLen = 65535
	}
	if cfg.LinkType == 0 {
		cfg.LinkType = 1 // LINKTYPE_ETHERNET
	}
	if cfg.Resolution == 0 {
		cfg.Resolution = time.Microsecond
	}
	if cfg.Format == capfile.FormatUnknown && cfg.Writer == nil && cfg.OutputPath != "" {
		cfg.Format = capfile.FormatFromPath(cfg.OutputPath)
	}
	if cfg.Format == capfile.FormatUnknown {
		cfg.Format = capfile.FormatPcapNg
	}
	if cfg.Logger == nil {
		cfg.Logger = glog.Default()
	}
	return cfg
}

func closeAll(fns []func() error) error {
	var errs []error
	for _, fn := range fns {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

func buildWriter(cfg Config, ifaces capfile.InterfaceSource) (capfile.Writer, error) {
	opts := capfile.WriterOptions{
		Resolution: cfg.Resolution,
		SnapLen:    cfg.SnapLen,
		LinkType:   cfg.LinkType,
		Retry:      cfg.Retry,
		Interfaces: ifaces,
	}

	var (
		w   capfile.Writer
		err error
	)
	switch {
	case cfg.Writer != nil:
		w, err = capfile.NewWriter(cfg.Writer, cfg.Format, opts)
	case cfg.OutputPath != "":
		w, err = capfile.CreateFile(cfg.OutputPath, cfg.Format, opts)
	default:
		w, err = capfile.NewWriter(io.Discard, cfg.Format, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("capture: create output: %w", err)
	}
	return w, nil
}
