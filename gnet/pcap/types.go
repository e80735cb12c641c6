package pcap

import (
	"encoding/binary"
	"time"
)

// 魔数按大端读取文件前 4 字节得到。
const (
	MagicNumberMicroseconds        uint32 = 0xa1b2c3d4
	MagicNumberMicrosecondsSwapped uint32 = 0xd4c3b2a1
	MagicNumberNanoseconds         uint32 = 0xa1b23c4d
	MagicNumberNanosecondsSwapped  uint32 = 0x4d3cb2a1
)

const (
	FileHeaderLen   = 24
	PacketHeaderLen = 16
)

type FileHeader struct {
	MagicNumber  uint32
	VersionMajor uint16
	VersionMinor uint16
	ThisZone     int32
	SigFigs      uint32
	SnapLen      uint32
	Network      uint32
}

type PacketHeader struct {
	TsSec uint32
	// TsUsec 秒内部分，单位由文件头魔数决定（微秒或纳秒）。
	TsUsec  uint32
	InclLen uint32
	OrigLen uint32
}

type Packet struct {
	Header    PacketHeader
	Data      []byte
	Timestamp time.Time
}

// ParseMagic 识别魔数，返回记录使用的字节序和时间戳单位。
func ParseMagic(magic uint32) (binary.ByteOrder, time.Duration, bool) {
	switch magic {
	case MagicNumberMicroseconds:
		return binary.BigEndian, time.Microsecond, true
	case MagicNumberNanoseconds:
		return binary.BigEndian, time.Nanosecond, true
	case MagicNumberMicrosecondsSwapped:
		return binary.LittleEndian, time.Microsecond, true
	case MagicNumberNanosecondsSwapped:
		return binary.LittleEndian, time.Nanosecond, true
	}
	return nil, 0, false
}

func (h *FileHeader) IsLittleEndian() bool {
	switch h.MagicNumber {
	case MagicNumberMicrosecondsSwapped, MagicNumberNanosecondsSwapped:
		return true
	}
	return false
}

func (h *FileHeader) ByteOrder() binary.ByteOrder {
	if h.IsLittleEndian() {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (h *FileHeader) TimestampResolution() time.Duration {
	switch h.MagicNumber {
	case MagicNumberNanoseconds, MagicNumberNanosecondsSwapped:
		return time.Nanosecond
	default:
		return time.Microsecond
	}
}

// GetTimestamp 按给定单位解释秒内部分。
func (h *PacketHeader) GetTimestamp(resolution time.Duration) time.Time {
	sub := int64(h.TsUsec)
	if resolution != time.Nanosecond {
		sub *= int64(time.Microsecond)
	}
	return time.Unix(int64(h.TsSec), sub).UTC()
}

func (h *PacketHeader) SetTimestamp(ts time.Time, resolution time.Duration) {
	h.TsSec = uint32(ts.Unix())
	switch resolution {
	case time.Nanosecond:
		h.TsUsec = uint32(ts.Nanosecond())
	default:
		h.TsUsec = uint32(ts.Nanosecond() / 1000)
	}
}

func (p *Packet) CaptureLength() int {
	return len(p.Data)
}

func (p *Packet) OriginalLength() int {
	if p.Header.OrigLen == 0 {
		return len(p.Data)
	}
	return int(p.Header.OrigLen)
}
