package pcapng

import (
	"encoding/binary"
	"math"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/gnet/frame"
)

// AppendBlock 把块编码追加到 dst。SHB 的 ByteOrder 非空时优先于 order。
func AppendBlock(dst []byte, order binary.ByteOrder, b Block) ([]byte, error) {
	if shb, ok := b.(*SectionHeaderBlock); ok && shb.ByteOrder != nil {
		order = shb.ByteOrder
	}
	if order == nil {
		return dst, gerr.New(gerr.KindInvalidMagic, opEncode, "no byte order for %s", b.BlockType())
	}
	if err := checkOptionLengths(b); err != nil {
		return dst, err
	}

	ao := frame.AppendOrder(order)
	start := len(dst)
	dst = ao.AppendUint32(dst, uint32(b.BlockType()))
	dst = ao.AppendUint32(dst, 0)

	switch blk := b.(type) {
	case *SectionHeaderBlock:
		dst = ao.AppendUint32(dst, ByteOrderMagic)
		dst = ao.AppendUint16(dst, blk.MajorVersion)
		dst = ao.AppendUint16(dst, blk.MinorVersion)
		dst = ao.AppendUint64(dst, uint64(blk.SectionLength))
		dst = appendOptions(dst, order, blk.Options)
	case *InterfaceDescriptionBlock:
		dst = ao.AppendUint16(dst, blk.LinkType)
		dst = ao.AppendUint16(dst, 0)
		dst = ao.AppendUint32(dst, blk.SnapLen)
		dst = appendOptions(dst, order, blk.Options)
	case *EnhancedPacketBlock:
		dst = ao.AppendUint32(dst, blk.InterfaceID)
		dst = ao.AppendUint32(dst, blk.TimestampHigh)
		dst = ao.AppendUint32(dst, blk.TimestampLow)
		dst = ao.AppendUint32(dst, uint32(len(blk.PacketData)))
		dst = ao.AppendUint32(dst, blk.OriginalLen)
		dst = append(dst, blk.PacketData...)
		dst = appendPad(dst, len(blk.PacketData))
		dst = appendOptions(dst, order, blk.Options)
	case *SimplePacketBlock:
		dst = ao.AppendUint32(dst, blk.OriginalLen)
		dst = append(dst, blk.PacketData...)
		dst = appendPad(dst, len(blk.PacketData))
	case *ObsoletePacketBlock:
		dst = ao.AppendUint16(dst, blk.InterfaceID)
		dst = ao.AppendUint16(dst, blk.DropsCount)
		dst = ao.AppendUint32(dst, blk.TimestampHigh)
		dst = ao.AppendUint32(dst, blk.TimestampLow)
		dst = ao.AppendUint32(dst, uint32(len(blk.PacketData)))
		dst = ao.AppendUint32(dst, blk.OriginalLen)
		dst = append(dst, blk.PacketData...)
		dst = appendPad(dst, len(blk.PacketData))
		dst = appendOptions(dst, order, blk.Options)
	case *NameResolutionBlock:
		for _, rec := range blk.Records {
			if len(rec.Value) > math.MaxUint16 {
				return dst[:start], gerr.New(gerr.KindBlockMalformed, opEncode, "name record of %d bytes", len(rec.Value))
			}
			dst = ao.AppendUint16(dst, rec.Type)
			dst = ao.AppendUint16(dst, uint16(len(rec.Value)))
			dst = append(dst, rec.Value...)
			dst = appendPad(dst, len(rec.Value))
		}
		dst = ao.AppendUint16(dst, NameRecordEnd)
		dst = ao.AppendUint16(dst, 0)
		dst = appendOptions(dst, order, blk.Options)
	case *InterfaceStatisticsBlock:
		dst = ao.AppendUint32(dst, blk.InterfaceID)
		dst = ao.AppendUint32(dst, blk.TimestampHigh)
		dst = ao.AppendUint32(dst, blk.TimestampLow)
		dst = appendOptions(dst, order, blk.Options)
	case *SystemdJournalExportBlock:
		dst = append(dst, blk.Entry...)
		dst = appendPad(dst, len(blk.Entry))
	case *UnknownBlock:
		dst = append(dst, blk.Body...)
		dst = appendPad(dst, len(blk.Body))
	default:
		return dst[:start], gerr.New(gerr.KindBlockMalformed, opEncode, "cannot encode %T", b)
	}

	total := len(dst) - start + 4
	if uint64(total) > math.MaxUint32 {
		return dst[:start], gerr.New(gerr.KindInvalidLength, opEncode, "%s of %d bytes", b.BlockType(), total)
	}
	order.PutUint32(dst[start+4:], uint32(total))
	return ao.AppendUint32(dst, uint32(total)), nil
}

func checkOptionLengths(b Block) error {
	var opts Options
	switch blk := b.(type) {
	case *SectionHeaderBlock:
		opts = blk.Options
	case *InterfaceDescriptionBlock:
		opts = blk.Options
	case *EnhancedPacketBlock:
		opts = blk.Options
	case *ObsoletePacketBlock:
		opts = blk.Options
	case *NameResolutionBlock:
		opts = blk.Options
	case *InterfaceStatisticsBlock:
		opts = blk.Options
	}
	for _, opt := range opts {
		if opt.Code == OptEndOfOpt {
			return gerr.New(gerr.KindOptionMalformed, opEncode, "explicit opt_endofopt in %s", b.BlockType())
		}
		if len(opt.Value) > math.MaxUint16 {
			return gerr.New(gerr.KindOptionMalformed, opEncode, "option %d of %d bytes", opt.Code, len(opt.Value))
		}
		if err := validateOption(b.BlockType(), opt); err != nil {
			return err
		}
	}
	return nil
}
