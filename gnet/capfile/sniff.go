// Package capfile 提供 pcap 与 pcapng 的统一读写入口：
// 自动识别格式，按块或按包惰性迭代，写入端统一为 Writer 接口。
package capfile

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/gnet/pcap"
	"github.com/sofiworker/gcap/gnet/pcapng"
)

const opSniff = "capfile.sniff"

type Format uint8

const (
	FormatUnknown Format = iota
	FormatPcap
	FormatPcapNg
)

func (f Format) String() string {
	switch f {
	case FormatPcap:
		return "pcap"
	case FormatPcapNg:
		return "pcapng"
	}
	return "unknown"
}

// ParseFormat 解析 "pcap" / "pcapng"。
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pcap":
		return FormatPcap, nil
	case "pcapng", "ng":
		return FormatPcapNg, nil
	}
	return FormatUnknown, fmt.Errorf("capfile: unknown format %q", s)
}

// Detection 格式识别结果。pcapng 的字节序要等读到 SHB 才能确定，此时 ByteOrder 为 nil。
type Detection struct {
	Format     Format
	ByteOrder  binary.ByteOrder
	Resolution time.Duration
}

// Detect 根据流的前 4 字节识别格式。
func Detect(first4 []byte) (Detection, error) {
	if len(first4) < 4 {
		return Detection{}, gerr.New(gerr.KindTruncatedFrame, opSniff, "need 4 bytes, got %d", len(first4)).At(0)
	}
	magic := binary.BigEndian.Uint32(first4[:4])
	if order, res, ok := pcap.ParseMagic(magic); ok {
		return Detection{Format: FormatPcap, ByteOrder: order, Resolution: res}, nil
	}
	if pcapng.BlockType(magic) == pcapng.SectionHeaderBlockType {
		return Detection{Format: FormatPcapNg}, nil
	}
	return Detection{}, gerr.New(gerr.KindInvalidMagic, opSniff, "magic 0x%08x", magic).At(0)
}
