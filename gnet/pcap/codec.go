package pcap

import (
	"encoding/binary"
	"time"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/gnet/frame"
)

// ParseFileHeader 解析 24 字节文件头。
func ParseFileHeader(b []byte) (FileHeader, error) {
	if len(b) < FileHeaderLen {
		return FileHeader{}, gerr.New(gerr.KindTruncatedFrame, opRead, "file header needs %d bytes, got %d", FileHeaderLen, len(b))
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	order, _, ok := ParseMagic(magic)
	if !ok {
		return FileHeader{}, gerr.New(gerr.KindUnsupportedMagic, opRead, "magic 0x%08x", magic)
	}
	return FileHeader{
		MagicNumber:  magic,
		VersionMajor: order.Uint16(b[4:6]),
		VersionMinor: order.Uint16(b[6:8]),
		ThisZone:     int32(order.Uint32(b[8:12])),
		SigFigs:      order.Uint32(b[12:16]),
		SnapLen:      order.Uint32(b[16:20]),
		Network:      order.Uint32(b[20:24]),
	}, nil
}

// AppendFileHeader 按魔数对应的字节序追加文件头。
func AppendFileHeader(dst []byte, h FileHeader) []byte {
	order := frame.AppendOrder(h.ByteOrder())
	dst = binary.BigEndian.AppendUint32(dst, h.MagicNumber)
	dst = order.AppendUint16(dst, h.VersionMajor)
	dst = order.AppendUint16(dst, h.VersionMinor)
	dst = order.AppendUint32(dst, uint32(h.ThisZone))
	dst = order.AppendUint32(dst, h.SigFigs)
	dst = order.AppendUint32(dst, h.SnapLen)
	dst = order.AppendUint32(dst, h.Network)
	return dst
}

func parsePacketHeader(b []byte, order binary.ByteOrder) PacketHeader {
	return PacketHeader{
		TsSec:   order.Uint32(b[0:4]),
		TsUsec:  order.Uint32(b[4:8]),
		InclLen: order.Uint32(b[8:12]),
		OrigLen: order.Uint32(b[12:16]),
	}
}

// AppendPacketHeader 追加 16 字节记录头。
func AppendPacketHeader(dst []byte, order binary.ByteOrder, h PacketHeader) []byte {
	ao := frame.AppendOrder(order)
	dst = ao.AppendUint32(dst, h.TsSec)
	dst = ao.AppendUint32(dst, h.TsUsec)
	dst = ao.AppendUint32(dst, h.InclLen)
	return ao.AppendUint32(dst, h.OrigLen)
}

type fileHeaderFramer struct{}

func (fileHeaderFramer) HeaderLen([]byte) int { return 4 }

func (fileHeaderFramer) FrameLen(h []byte) (int, error) {
	magic := binary.BigEndian.Uint32(h[0:4])
	if _, _, ok := ParseMagic(magic); !ok {
		return 0, gerr.New(gerr.KindUnsupportedMagic, opRead, "magic 0x%08x", magic)
	}
	return FileHeaderLen, nil
}

// recordFramer 在消费记录前检查 caplen 与 snaplen，长度字段不可信时不分配负载。
type recordFramer struct {
	order   binary.ByteOrder
	snapLen uint32
}

func (recordFramer) HeaderLen([]byte) int { return PacketHeaderLen }

func (f recordFramer) FrameLen(h []byte) (int, error) {
	inclLen := f.order.Uint32(h[8:12])
	if f.snapLen > 0 && inclLen > f.snapLen {
		return 0, gerr.New(gerr.KindInvalidRecord, opRead,
			"captured length %d exceeds snap length %d", inclLen, f.snapLen).Terminal()
	}
	return PacketHeaderLen + int(inclLen), nil
}

// ParseRecord 解析一整条记录（记录头加负载）。
func ParseRecord(frame []byte, h FileHeader) (*Packet, error) {
	if len(frame) < PacketHeaderLen {
		return nil, gerr.New(gerr.KindTruncatedFrame, opRead, "record header needs %d bytes, got %d", PacketHeaderLen, len(frame))
	}
	hdr := parsePacketHeader(frame, h.ByteOrder())
	if int(hdr.InclLen) != len(frame)-PacketHeaderLen {
		return nil, gerr.New(gerr.KindInvalidRecord, opRead, "captured length %d does not match record size %d", hdr.InclLen, len(frame)-PacketHeaderLen)
	}
	if hdr.InclLen > hdr.OrigLen {
		return nil, gerr.New(gerr.KindInvalidRecord, opRead,
			"captured length %d exceeds original length %d", hdr.InclLen, hdr.OrigLen)
	}
	return &Packet{
		Header:    hdr,
		Data:      frame[PacketHeaderLen:],
		Timestamp: hdr.GetTimestamp(h.TimestampResolution()),
	}, nil
}

func selectMagic(order binary.ByteOrder, resolution time.Duration) uint32 {
	isNano := resolution == time.Nanosecond
	if order == binary.BigEndian {
		if isNano {
			return MagicNumberNanoseconds
		}
		return MagicNumberMicroseconds
	}
	if isNano {
		return MagicNumberNanosecondsSwapped
	}
	return MagicNumberMicrosecondsSwapped
}
