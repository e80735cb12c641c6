package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"golang.org/x/net/bpf"

	"github.com/sofiworker/gcap/gnet/capfile"
)

// Convert 把单个抓包文件转换为 out，格式按 out 的扩展名推断。
func Convert(ctx context.Context, in, out string, opts ...func(*Config)) error {
	return Merge(ctx, out, []string{in}, opts...)
}

// Merge 按时间戳合并多个抓包文件写入 out。
func Merge(ctx context.Context, out string, inputs []string, opts ...func(*Config)) error {
	cfg := Config{
		Inputs:     inputs,
		OutputPath: out,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

// WithSnapLen 设置 snaplen。
func WithSnapLen(snap uint32) func(*Config) {
	return func(c *Config) { c.SnapLen = snap }
}

// WithFormat 指定输出格式。
func WithFormat(f capfile.Format) func(*Config) {
	return func(c *Config) { c.Format = f }
}

// WithFilter 设置 BPF 指令。
func WithFilter(ins ...bpf.Instruction) func(*Config) {
	return func(c *Config) {
		c.Filter.Instructions = append(c.Filter.Instructions, ins...)
	}
}

// WithFilterRaw 直接设置原始 BPF，例如 tcpdump -ddd 的二进制形式。
func WithFilterRaw(raw []byte) func(*Config) {
	return func(c *Config) {
		c.Filter.Raw = append(c.Filter.Raw, bytesToRaw(raw)...)
	}
}

// WithWriter 指定自定义 writer。
func WithWriter(w io.Writer) func(*Config) {
	return func(c *Config) {
		c.Writer = w
		c.OutputPath = ""
	}
}

// WithSkipInvalid 跳过单个包的错误。
func WithSkipInvalid() func(*Config) {
	return func(c *Config) { c.SkipInvalid = true }
}

func bytesToRaw(b []byte) []bpf.RawInstruction {
	reader := bytes.NewReader(b)
	var ins []bpf.RawInstruction
	for {
		var r bpf.RawInstruction
		if err := binary.Read(reader, binary.BigEndian, &r); err != nil {
			break
		}
		ins = append(ins, r)
	}
	return ins
}
