package capfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sofiworker/gcap/gcompress"
	"github.com/sofiworker/gcap/gnet/pcap"
)

// OpenFile 打开抓包文件，gzip 与 zstd 压缩按内容自动解压。
func OpenFile(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, _, err := gcompress.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r, err := Open(rc, opts...)
	if err != nil {
		_ = rc.Close()
		_ = f.Close()
		return nil, err
	}
	r.closer = closerFunc(func() error {
		return errors.Join(rc.Close(), f.Close())
	})
	return r, nil
}

// FormatFromPath 根据扩展名推断格式，压缩扩展名会被忽略。
func FormatFromPath(path string) Format {
	p := strings.ToLower(path)
	if alg := gcompress.AlgorithmFromPath(p); alg != gcompress.None {
		p = strings.TrimSuffix(p, filepath.Ext(p))
	}
	switch {
	case strings.HasSuffix(p, ".pcapng"), strings.HasSuffix(p, ".ntar"):
		return FormatPcapNg
	case strings.HasSuffix(p, ".pcap"), strings.HasSuffix(p, ".cap"):
		return FormatPcap
	}
	return FormatUnknown
}

// CreateFile 创建抓包文件，扩展名为 .gz 或 .zst 时压缩写出。
// format 为 FormatUnknown 时按扩展名推断。
func CreateFile(path string, format Format, opts WriterOptions) (Writer, error) {
	if format == FormatUnknown {
		format = FormatFromPath(path)
	}
	alg := gcompress.AlgorithmFromPath(path)
	if format == FormatPcap && alg == gcompress.None {
		opts = opts.withDefaults()
		w, err := pcap.CreateFile(path, opts.pcapOptions()...)
		if err != nil {
			return nil, err
		}
		return &pcapWriter{w: w, metrics: newMetrics(opts.MeterProvider).withFormat(FormatPcap)}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	var dst io.Writer = f
	closers := []io.Closer{f}
	if alg != gcompress.None {
		cw, err := gcompress.NewWriter(f, alg, opts.CompressionLevel)
		if err != nil {
			return nil, errors.Join(err, f.Close(), os.Remove(path))
		}
		dst = cw
		closers = []io.Closer{cw, f}
	}
	w, err := NewWriter(fileSink{Writer: dst, closers: closers}, format, opts)
	if err != nil {
		_ = fileSink{closers: closers}.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return w, nil
}

// Create 打开 path 交给 fn 写入，无论 fn 是否出错都会关闭写入器。
func Create(path string, format Format, opts WriterOptions, fn func(Writer) error) (err error) {
	w, err := CreateFile(path, format, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	if err := w.WriteHeader(); err != nil {
		return err
	}
	return fn(w)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// fileSink 按顺序关闭压缩器与文件。
type fileSink struct {
	io.Writer
	closers []io.Closer
}

func (s fileSink) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
