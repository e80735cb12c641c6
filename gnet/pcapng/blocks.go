package pcapng

import (
	"encoding/binary"
	"net"
)

type BlockType uint32

const (
	SectionHeaderBlockType        BlockType = 0x0A0D0D0A
	InterfaceDescriptionBlockType BlockType = 0x00000001
	ObsoletePacketBlockType       BlockType = 0x00000002
	SimplePacketBlockType         BlockType = 0x00000003
	NameResolutionBlockType       BlockType = 0x00000004
	InterfaceStatisticsBlockType  BlockType = 0x00000005
	EnhancedPacketBlockType       BlockType = 0x00000006
	SystemdJournalExportBlockType BlockType = 0x00000009
)

// ByteOrderMagic 按 section 字节序写出；按大端读取得到 ByteOrderMagicBig
// 表示大端 section，得到 ByteOrderMagicLittle 表示小端 section。
const (
	ByteOrderMagic       uint32 = 0x1A2B3C4D
	ByteOrderMagicBig    uint32 = 0x1A2B3C4D
	ByteOrderMagicLittle uint32 = 0x4D3C2B1A
)

const (
	// blockEnvelopeLen 类型、首长度、尾长度各 4 字节。
	blockEnvelopeLen = 12
	// shbMinLen SHB 固定字段 16 字节加信封。
	shbMinLen = blockEnvelopeLen + 16
)

func (t BlockType) String() string {
	switch t {
	case SectionHeaderBlockType:
		return "SHB"
	case InterfaceDescriptionBlockType:
		return "IDB"
	case ObsoletePacketBlockType:
		return "PB"
	case SimplePacketBlockType:
		return "SPB"
	case NameResolutionBlockType:
		return "NRB"
	case InterfaceStatisticsBlockType:
		return "ISB"
	case EnhancedPacketBlockType:
		return "EPB"
	case SystemdJournalExportBlockType:
		return "SJE"
	}
	return "unknown"
}

type Block interface {
	BlockType() BlockType
}

// PacketBlock 携带一个抓包负载的块：EPB、SPB 与旧式 PB。
type PacketBlock interface {
	Block
	// InterfaceIndex 返回引用的接口序号；SPB 固定为 0。
	InterfaceIndex() uint32
	// RawTimestamp 返回未换算的 64 位时间戳；SPB 没有时间戳，ok 为 false。
	RawTimestamp() (ts uint64, ok bool)
	Lengths() (captured, original uint32)
	Payload() []byte
}

// BlockHeader 解码时填充的信封信息，构造块用于写出时可以留空。
type BlockHeader struct {
	Type        BlockType
	TotalLength uint32
}

type SectionHeaderBlock struct {
	BlockHeader
	// ByteOrder section 使用的字节序，写出时为 nil 则沿用写入器当前字节序。
	ByteOrder     binary.ByteOrder
	MajorVersion  uint16
	MinorVersion  uint16
	SectionLength int64
	Options       Options
}

func (*SectionHeaderBlock) BlockType() BlockType { return SectionHeaderBlockType }

type InterfaceDescriptionBlock struct {
	BlockHeader
	LinkType uint16
	SnapLen  uint32
	Options  Options
}

func (*InterfaceDescriptionBlock) BlockType() BlockType { return InterfaceDescriptionBlockType }

// Resolution 返回 if_tsresol，缺省为微秒。
func (b *InterfaceDescriptionBlock) Resolution() Resolution {
	if v, ok := b.Options.Get(OptIfTsResol); ok && len(v) == 1 {
		return Resolution(v[0])
	}
	return DefaultResolution
}

// Name 返回 if_name。
func (b *InterfaceDescriptionBlock) Name() string {
	s, _ := b.Options.String(OptIfName)
	return s
}

type EnhancedPacketBlock struct {
	BlockHeader
	InterfaceID   uint32
	TimestampHigh uint32
	TimestampLow  uint32
	CapturedLen   uint32
	OriginalLen   uint32
	PacketData    []byte
	Options       Options
}

func (*EnhancedPacketBlock) BlockType() BlockType { return EnhancedPacketBlockType }

func (b *EnhancedPacketBlock) InterfaceIndex() uint32 { return b.InterfaceID }

func (b *EnhancedPacketBlock) RawTimestamp() (uint64, bool) {
	return uint64(b.TimestampHigh)<<32 | uint64(b.TimestampLow), true
}

func (b *EnhancedPacketBlock) Lengths() (uint32, uint32) {
	return uint32(len(b.PacketData)), b.OriginalLen
}

func (b *EnhancedPacketBlock) Payload() []byte { return b.PacketData }

// SetTimestamp 按给定精度写入时间戳高低位。
func (b *EnhancedPacketBlock) SetTimestamp(units uint64) {
	b.TimestampHigh = uint32(units >> 32)
	b.TimestampLow = uint32(units)
}

// SimplePacketBlock 隐含接口 0，没有时间戳与选项。
type SimplePacketBlock struct {
	BlockHeader
	OriginalLen uint32
	PacketData  []byte
}

func (*SimplePacketBlock) BlockType() BlockType { return SimplePacketBlockType }

func (*SimplePacketBlock) InterfaceIndex() uint32 { return 0 }

func (*SimplePacketBlock) RawTimestamp() (uint64, bool) { return 0, false }

func (b *SimplePacketBlock) Lengths() (uint32, uint32) {
	return uint32(len(b.PacketData)), b.OriginalLen
}

func (b *SimplePacketBlock) Payload() []byte { return b.PacketData }

// ObsoletePacketBlock 旧式 Packet Block (type 2)，只读不推荐写出。
type ObsoletePacketBlock struct {
	BlockHeader
	InterfaceID   uint16
	DropsCount    uint16
	TimestampHigh uint32
	TimestampLow  uint32
	CapturedLen   uint32
	OriginalLen   uint32
	PacketData    []byte
	Options       Options
}

func (*ObsoletePacketBlock) BlockType() BlockType { return ObsoletePacketBlockType }

func (b *ObsoletePacketBlock) InterfaceIndex() uint32 { return uint32(b.InterfaceID) }

func (b *ObsoletePacketBlock) RawTimestamp() (uint64, bool) {
	return uint64(b.TimestampHigh)<<32 | uint64(b.TimestampLow), true
}

func (b *ObsoletePacketBlock) Lengths() (uint32, uint32) {
	return uint32(len(b.PacketData)), b.OriginalLen
}

func (b *ObsoletePacketBlock) Payload() []byte { return b.PacketData }

// 名字解析记录类型
const (
	NameRecordEnd  uint16 = 0
	NameRecordIPv4 uint16 = 1
	NameRecordIPv6 uint16 = 2
)

// NameRecord 名字解析记录，Value 为原始字节（地址加 NUL 分隔的名字）。
type NameRecord struct {
	Type  uint16
	Value []byte
}

// IP 返回记录中的地址，非 IPv4/IPv6 记录返回 nil。
func (r NameRecord) IP() net.IP {
	switch {
	case r.Type == NameRecordIPv4 && len(r.Value) >= net.IPv4len:
		return net.IP(r.Value[:net.IPv4len])
	case r.Type == NameRecordIPv6 && len(r.Value) >= net.IPv6len:
		return net.IP(r.Value[:net.IPv6len])
	}
	return nil
}

// Names 返回地址之后的名字列表。
func (r NameRecord) Names() []string {
	var rest []byte
	switch r.Type {
	case NameRecordIPv4:
		if len(r.Value) < net.IPv4len {
			return nil
		}
		rest = r.Value[net.IPv4len:]
	case NameRecordIPv6:
		if len(r.Value) < net.IPv6len {
			return nil
		}
		rest = r.Value[net.IPv6len:]
	default:
		return nil
	}
	var names []string
	start := 0
	for i, c := range rest {
		if c == 0 {
			if i > start {
				names = append(names, string(rest[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(rest) {
		names = append(names, string(rest[start:]))
	}
	return names
}

// NewNameRecord 由地址和名字构造记录。
func NewNameRecord(ip net.IP, names ...string) NameRecord {
	rec := NameRecord{Type: NameRecordIPv6}
	addr := ip.To16()
	if v4 := ip.To4(); v4 != nil {
		rec.Type = NameRecordIPv4
		addr = v4
	}
	rec.Value = append(rec.Value, addr...)
	for _, n := range names {
		rec.Value = append(rec.Value, n...)
		rec.Value = append(rec.Value, 0)
	}
	return rec
}

type NameResolutionBlock struct {
	BlockHeader
	Records []NameRecord
	Options Options
}

func (*NameResolutionBlock) BlockType() BlockType { return NameResolutionBlockType }

type InterfaceStatisticsBlock struct {
	BlockHeader
	InterfaceID   uint32
	TimestampHigh uint32
	TimestampLow  uint32
	Options       Options
}

func (*InterfaceStatisticsBlock) BlockType() BlockType { return InterfaceStatisticsBlockType }

func (b *InterfaceStatisticsBlock) RawTimestamp() uint64 {
	return uint64(b.TimestampHigh)<<32 | uint64(b.TimestampLow)
}

// SystemdJournalExportBlock 一条 journal export 格式的日志条目。
type SystemdJournalExportBlock struct {
	BlockHeader
	Entry []byte
}

func (*SystemdJournalExportBlock) BlockType() BlockType { return SystemdJournalExportBlockType }

// UnknownBlock 未识别的块类型，原样保留块体以便重新编码。
type UnknownBlock struct {
	BlockHeader
	Body []byte
}

func (b *UnknownBlock) BlockType() BlockType { return b.Type }
