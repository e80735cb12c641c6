package pcapng

import (
	"encoding/binary"

	"github.com/sofiworker/gcap/gerr"
)

// blockFramer 读取块信封。SHB 需要 12 字节才能确定字节序，其余块 8 字节。
type blockFramer struct {
	sec *Section
}

func (blockFramer) HeaderLen(prefix []byte) int {
	if len(prefix) >= 4 && BlockType(binary.BigEndian.Uint32(prefix[0:4])) == SectionHeaderBlockType {
		return 12
	}
	return 8
}

func (f blockFramer) FrameLen(h []byte) (int, error) {
	// SHB 的类型码是回文，与字节序无关
	if BlockType(binary.BigEndian.Uint32(h[0:4])) == SectionHeaderBlockType {
		order, err := sectionOrder(h[8:12])
		if err != nil {
			return 0, err
		}
		return checkBlockLength(SectionHeaderBlockType, order.Uint32(h[4:8]), shbMinLen)
	}
	order := f.sec.ByteOrder()
	if order == nil {
		return 0, gerr.New(gerr.KindInvalidMagic, opDecode,
			"block 0x%08x before any section header", binary.BigEndian.Uint32(h[0:4])).Terminal()
	}
	return checkBlockLength(BlockType(order.Uint32(h[0:4])), order.Uint32(h[4:8]), blockEnvelopeLen)
}

func checkBlockLength(bt BlockType, total, minLen uint32) (int, error) {
	if total < minLen || total%4 != 0 {
		return 0, gerr.New(gerr.KindInvalidLength, opDecode, "%s total length %d", bt, total).Terminal()
	}
	return int(total), nil
}

// sectionOrder 按大端读取字节序魔数。
func sectionOrder(b []byte) (binary.ByteOrder, error) {
	switch magic := binary.BigEndian.Uint32(b); magic {
	case ByteOrderMagicBig:
		return binary.BigEndian, nil
	case ByteOrderMagicLittle:
		return binary.LittleEndian, nil
	default:
		return nil, gerr.New(gerr.KindInvalidMagic, opDecode, "byte-order magic 0x%08x", magic).Terminal()
	}
}

// DecodeBlock 解码一个完整块。frame 含信封，非 SHB 块使用 sec 的字节序，
// SPB 还会参考接口 0 的 snaplen。DecodeBlock 不修改 sec。
func DecodeBlock(frame []byte, sec *Section) (Block, error) {
	if len(frame) < blockEnvelopeLen {
		return nil, gerr.New(gerr.KindTruncatedFrame, opDecode, "block needs %d bytes, got %d", blockEnvelopeLen, len(frame))
	}
	var order binary.ByteOrder
	if BlockType(binary.BigEndian.Uint32(frame[0:4])) == SectionHeaderBlockType {
		if len(frame) < shbMinLen {
			return nil, gerr.New(gerr.KindInvalidLength, opDecode, "SHB length %d", len(frame))
		}
		var err error
		if order, err = sectionOrder(frame[8:12]); err != nil {
			return nil, err
		}
	} else if order = sec.ByteOrder(); order == nil {
		return nil, gerr.New(gerr.KindInvalidMagic, opDecode, "block before any section header").Terminal()
	}

	hdr := BlockHeader{
		Type:        BlockType(order.Uint32(frame[0:4])),
		TotalLength: order.Uint32(frame[4:8]),
	}
	trailing := order.Uint32(frame[len(frame)-4:])
	if hdr.TotalLength != trailing {
		return nil, gerr.New(gerr.KindBlockLengthMismatch, opDecode,
			"%s leading length %d, trailing length %d", hdr.Type, hdr.TotalLength, trailing)
	}
	if int(hdr.TotalLength) != len(frame) {
		return nil, gerr.New(gerr.KindInvalidLength, opDecode, "%s length %d, frame %d", hdr.Type, hdr.TotalLength, len(frame))
	}
	body := frame[8 : len(frame)-4]

	switch hdr.Type {
	case SectionHeaderBlockType:
		return parseSectionHeader(hdr, order, body)
	case InterfaceDescriptionBlockType:
		return parseInterfaceDescription(hdr, order, body)
	case EnhancedPacketBlockType:
		return parseEnhancedPacket(hdr, order, body)
	case SimplePacketBlockType:
		return parseSimplePacket(hdr, order, body, sec)
	case ObsoletePacketBlockType:
		return parseObsoletePacket(hdr, order, body)
	case NameResolutionBlockType:
		return parseNameResolution(hdr, order, body)
	case InterfaceStatisticsBlockType:
		return parseInterfaceStatistics(hdr, order, body)
	case SystemdJournalExportBlockType:
		return parseJournalExport(hdr, body), nil
	default:
		return &UnknownBlock{BlockHeader: hdr, Body: body}, nil
	}
}

func malformed(bt BlockType, format string, args ...interface{}) error {
	e := gerr.New(gerr.KindBlockMalformed, opDecode, format, args...)
	e.Msg = bt.String() + ": " + e.Msg
	return e
}

func parseSectionHeader(hdr BlockHeader, order binary.ByteOrder, body []byte) (*SectionHeaderBlock, error) {
	opts, err := parseOptions(hdr.Type, body[16:], order)
	if err != nil {
		return nil, err
	}
	return &SectionHeaderBlock{
		BlockHeader:   hdr,
		ByteOrder:     order,
		MajorVersion:  order.Uint16(body[4:6]),
		MinorVersion:  order.Uint16(body[6:8]),
		SectionLength: int64(order.Uint64(body[8:16])),
		Options:       opts,
	}, nil
}

func parseInterfaceDescription(hdr BlockHeader, order binary.ByteOrder, body []byte) (*InterfaceDescriptionBlock, error) {
	if len(body) < 8 {
		return nil, malformed(hdr.Type, "body %d bytes, need 8", len(body))
	}
	opts, err := parseOptions(hdr.Type, body[8:], order)
	if err != nil {
		return nil, err
	}
	return &InterfaceDescriptionBlock{
		BlockHeader: hdr,
		LinkType:    order.Uint16(body[0:2]),
		SnapLen:     order.Uint32(body[4:8]),
		Options:     opts,
	}, nil
}

// packetData 切出长度为 n 的负载，返回负载与其后的选项区。
func packetData(bt BlockType, body []byte, fixed int, n uint32) ([]byte, []byte, error) {
	rest := body[fixed:]
	if uint64(n) > uint64(len(rest)) {
		return nil, nil, malformed(bt, "captured length %d exceeds body %d", n, len(rest))
	}
	padded := int(n) + pad4(int(n))
	if padded > len(rest) {
		return nil, nil, malformed(bt, "packet data padding runs past body")
	}
	return rest[:n:n], rest[padded:], nil
}

func parseEnhancedPacket(hdr BlockHeader, order binary.ByteOrder, body []byte) (*EnhancedPacketBlock, error) {
	if len(body) < 20 {
		return nil, malformed(hdr.Type, "body %d bytes, need 20", len(body))
	}
	b := &EnhancedPacketBlock{
		BlockHeader:   hdr,
		InterfaceID:   order.Uint32(body[0:4]),
		TimestampHigh: order.Uint32(body[4:8]),
		TimestampLow:  order.Uint32(body[8:12]),
		CapturedLen:   order.Uint32(body[12:16]),
		OriginalLen:   order.Uint32(body[16:20]),
	}
	data, rest, err := packetData(hdr.Type, body, 20, b.CapturedLen)
	if err != nil {
		return nil, err
	}
	b.PacketData = data
	if b.Options, err = parseOptions(hdr.Type, rest, order); err != nil {
		return nil, err
	}
	return b, nil
}

func parseObsoletePacket(hdr BlockHeader, order binary.ByteOrder, body []byte) (*ObsoletePacketBlock, error) {
	if len(body) < 20 {
		return nil, malformed(hdr.Type, "body %d bytes, need 20", len(body))
	}
	b := &ObsoletePacketBlock{
		BlockHeader:   hdr,
		InterfaceID:   order.Uint16(body[0:2]),
		DropsCount:    order.Uint16(body[2:4]),
		TimestampHigh: order.Uint32(body[4:8]),
		TimestampLow:  order.Uint32(body[8:12]),
		CapturedLen:   order.Uint32(body[12:16]),
		OriginalLen:   order.Uint32(body[16:20]),
	}
	data, rest, err := packetData(hdr.Type, body, 20, b.CapturedLen)
	if err != nil {
		return nil, err
	}
	b.PacketData = data
	if b.Options, err = parseOptions(hdr.Type, rest, order); err != nil {
		return nil, err
	}
	return b, nil
}

// parseSimplePacket 捕获长度取 origlen、块体剩余与接口 0 snaplen 三者最小值。
func parseSimplePacket(hdr BlockHeader, order binary.ByteOrder, body []byte, sec *Section) (*SimplePacketBlock, error) {
	if len(body) < 4 {
		return nil, malformed(hdr.Type, "body %d bytes, need 4", len(body))
	}
	orig := order.Uint32(body[0:4])
	n := min(orig, uint32(len(body)-4))
	if snap, ok := sec.snapLen0(); ok && snap > 0 {
		n = min(n, snap)
	}
	return &SimplePacketBlock{
		BlockHeader: hdr,
		OriginalLen: orig,
		PacketData:  body[4 : 4+n : 4+n],
	}, nil
}

func parseNameResolution(hdr BlockHeader, order binary.ByteOrder, body []byte) (*NameResolutionBlock, error) {
	b := &NameResolutionBlock{BlockHeader: hdr}
	rest := body
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, malformed(hdr.Type, "%d trailing bytes in record list", len(rest))
		}
		typ := order.Uint16(rest[0:2])
		n := int(order.Uint16(rest[2:4]))
		rest = rest[4:]
		if typ == NameRecordEnd {
			break
		}
		padded := n + pad4(n)
		if padded > len(rest) {
			return nil, malformed(hdr.Type, "record length %d overruns body", n)
		}
		b.Records = append(b.Records, NameRecord{Type: typ, Value: rest[:n:n]})
		rest = rest[padded:]
	}
	var err error
	if b.Options, err = parseOptions(hdr.Type, rest, order); err != nil {
		return nil, err
	}
	return b, nil
}

func parseInterfaceStatistics(hdr BlockHeader, order binary.ByteOrder, body []byte) (*InterfaceStatisticsBlock, error) {
	if len(body) < 12 {
		return nil, malformed(hdr.Type, "body %d bytes, need 12", len(body))
	}
	opts, err := parseOptions(hdr.Type, body[12:], order)
	if err != nil {
		return nil, err
	}
	return &InterfaceStatisticsBlock{
		BlockHeader:   hdr,
		InterfaceID:   order.Uint32(body[0:4]),
		TimestampHigh: order.Uint32(body[4:8]),
		TimestampLow:  order.Uint32(body[8:12]),
		Options:       opts,
	}, nil
}

// parseJournalExport 去掉最多 3 字节的填充。
func parseJournalExport(hdr BlockHeader, body []byte) *SystemdJournalExportBlock {
	n := len(body)
	for i := 0; i < 3 && n > 0 && body[n-1] == 0; i++ {
		n--
	}
	return &SystemdJournalExportBlock{BlockHeader: hdr, Entry: body[:n:n]}
}
