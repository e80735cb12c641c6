package capfile

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/sofiworker/gcap/gcompress"
	"github.com/sofiworker/gcap/gconfig"
	"github.com/sofiworker/gcap/glog"
)

// Endian 配置中的字节序。
type Endian uint8

const (
	LittleEndian Endian = iota
	BigEndian
)

func (e Endian) Order() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (e Endian) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

type Config struct {
	Reader ReaderConfig `json:"reader"`
	Writer WriterConfig `json:"writer"`
	Log    LogConfig    `json:"log"`
}

type ReaderConfig struct {
	MaxFrameSize int `json:"max_frame_size"`
	ReadSize     int `json:"read_size"`
}

type WriterConfig struct {
	Format      Format              `json:"format"`
	ByteOrder   Endian              `json:"byte_order"`
	Resolution  time.Duration       `json:"resolution"`
	SnapLen     uint32              `json:"snap_len"`
	LinkType    uint32              `json:"link_type"`
	BufferSize  int                 `json:"buffer_size"`
	Compression gcompress.Algorithm `json:"compression"`
	// CompressionLevel 0 为算法默认级别。
	CompressionLevel int `json:"compression_level"`
}

type LogConfig struct {
	Level    string   `json:"level"`
	Encoding string   `json:"encoding"`
	Paths    []string `json:"paths"`
}

func DefaultConfig() *Config {
	return &Config{
		Reader: ReaderConfig{ReadSize: 32 << 10, MaxFrameSize: 64 << 20},
		Writer: WriterConfig{
			Format:     FormatPcapNg,
			ByteOrder:  LittleEndian,
			Resolution: time.Microsecond,
			SnapLen:    65535,
			LinkType:   1,
		},
		Log: LogConfig{Level: "info", Encoding: string(glog.JSONEncoding)},
	}
}

// LoadConfig 通过 gconfig 读取配置，未出现的字段保留 DefaultConfig 的取值。
func LoadConfig(opts ...gconfig.Option) (*Config, error) {
	loader, err := gconfig.New(opts...)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := loader.Unmarshal(cfg, gconfig.WithDecodeHooks(DecodeHooks()...)); err != nil {
		return nil, fmt.Errorf("capfile: decode config: %w", err)
	}
	return cfg, nil
}

// DecodeHooks 返回 Format、Endian、时间精度与压缩算法的解码钩子。
func DecodeHooks() []mapstructure.DecodeHookFunc {
	return []mapstructure.DecodeHookFunc{
		stringToFormatHook(),
		stringToEndianHook(),
		stringToResolutionHook(),
		stringToAlgorithmHook(),
	}
}

func stringToFormatHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(FormatUnknown) {
			return data, nil
		}
		return ParseFormat(data.(string))
	}
}

func stringToEndianHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(LittleEndian) {
			return data, nil
		}
		switch strings.ToLower(strings.TrimSpace(data.(string))) {
		case "little", "le", "little-endian":
			return LittleEndian, nil
		case "big", "be", "big-endian":
			return BigEndian, nil
		}
		return nil, fmt.Errorf("capfile: unknown byte order %q", data)
	}
}

// stringToResolutionHook 支持 "us" / "ns" 等简写，其余交给 duration 钩子。
func stringToResolutionHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch strings.ToLower(strings.TrimSpace(data.(string))) {
		case "us", "µs", "usec", "micro", "microsecond":
			return time.Microsecond, nil
		case "ns", "nsec", "nano", "nanosecond":
			return time.Nanosecond, nil
		case "ms", "msec", "milli", "millisecond":
			return time.Millisecond, nil
		}
		return data, nil
	}
}

func stringToAlgorithmHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(gcompress.None) {
			return data, nil
		}
		return gcompress.ParseAlgorithm(data.(string))
	}
}

// ReaderOptions 转换为 Open 的选项。
func (c *Config) ReaderOptions() []Option {
	var opts []Option
	if c.Reader.MaxFrameSize > 0 {
		opts = append(opts, WithMaxFrameSize(c.Reader.MaxFrameSize))
	}
	if c.Reader.ReadSize > 0 {
		opts = append(opts, WithReadSize(c.Reader.ReadSize))
	}
	return opts
}

// WriterOptions 转换为 NewWriter 的参数。
func (c *Config) WriterOptions() WriterOptions {
	return WriterOptions{
		ByteOrder:  c.Writer.ByteOrder.Order(),
		Resolution: c.Writer.Resolution,
		SnapLen:    c.Writer.SnapLen,
		LinkType:   c.Writer.LinkType,
		BufferSize: c.Writer.BufferSize,

		CompressionLevel: c.Writer.CompressionLevel,
	}
}

// LogOptions 转换为 glog 选项。
func (c *Config) LogOptions() ([]glog.Option, error) {
	var opts []glog.Option
	if c.Log.Level != "" {
		lvl, ok := glog.ParseLevel(c.Log.Level)
		if !ok {
			return nil, fmt.Errorf("capfile: unknown log level %q", c.Log.Level)
		}
		opts = append(opts, glog.WithLevel(lvl))
	}
	if c.Log.Encoding != "" {
		opts = append(opts, glog.WithEncoding(glog.Encoding(c.Log.Encoding)))
	}
	if len(c.Log.Paths) > 0 {
		opts = append(opts, glog.WithOutputPaths(c.Log.Paths...))
	}
	return opts, nil
}

// CreateFile 按写入配置创建文件。设置了 Compression 且 path 没有压缩扩展名时自动补上。
func (c *Config) CreateFile(path string) (Writer, error) {
	if c.Writer.Compression != gcompress.None && gcompress.AlgorithmFromPath(path) == gcompress.None {
		switch c.Writer.Compression {
		case gcompress.Gzip:
			path += ".gz"
		case gcompress.Zstd:
			path += ".zst"
		}
	}
	return CreateFile(path, c.Writer.Format, c.WriterOptions())
}
