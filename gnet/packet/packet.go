// Package packet 把 pcap 记录与 pcapng 包块统一成一种包结构。
package packet

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/sofiworker/gcap/gnet/pcap"
	"github.com/sofiworker/gcap/gnet/pcapng"
)

// NoInterface pcap 记录没有接口序号。
const NoInterface = -1

// Packet 是统一的捕获数据结构。Timestamp 精确到纳秒，SPB 没有时间戳时为零值。
type Packet struct {
	Data        []byte
	Timestamp   time.Time
	CaptureLen  int
	OriginalLen int
	InterfaceID int
	LinkType    uint32
}

func FromPCAP(pkt *pcap.Packet, h pcap.FileHeader) *Packet {
	if pkt == nil {
		return nil
	}
	return &Packet{
		Data:        pkt.Data,
		Timestamp:   pkt.Timestamp,
		CaptureLen:  len(pkt.Data),
		OriginalLen: int(pkt.Header.OrigLen),
		InterfaceID: NoInterface,
		LinkType:    h.Network,
	}
}

func FromPCAPNG(pkt *pcapng.Packet) *Packet {
	if pkt == nil {
		return nil
	}
	return &Packet{
		Data:        pkt.Data,
		Timestamp:   pkt.Timestamp,
		CaptureLen:  int(pkt.CapturedLen),
		OriginalLen: int(pkt.OriginalLen),
		InterfaceID: int(pkt.InterfaceID),
		LinkType:    uint32(pkt.LinkType),
	}
}

// Assemble 按 sec 中接口的 if_tsresol 与 if_tsoffset 换算包块时间戳。
// 引用未声明的接口返回 gerr.ErrInterfaceNotFound；没有任何接口时的 SPB 放行。
func Assemble(pb pcapng.PacketBlock, sec *pcapng.Section) (*Packet, error) {
	captured, original := pb.Lengths()
	p := &Packet{
		Data:        pb.Payload(),
		CaptureLen:  int(captured),
		OriginalLen: int(original),
		InterfaceID: int(pb.InterfaceIndex()),
	}

	_, simple := pb.(*pcapng.SimplePacketBlock)
	if simple && len(sec.Interfaces()) == 0 {
		return p, nil
	}
	iface, err := sec.Interface(pb.InterfaceIndex())
	if err != nil {
		return nil, err
	}
	p.LinkType = uint32(iface.LinkType)
	if units, ok := pb.RawTimestamp(); ok {
		p.Timestamp = iface.Time(units)
	}
	return p, nil
}

// ToPCAP 转换为 pcap 记录，时间戳由写入器按文件精度编码。
func (p *Packet) ToPCAP() *pcap.Packet {
	return &pcap.Packet{
		Header: pcap.PacketHeader{
			InclLen: uint32(len(p.Data)),
			OrigLen: uint32(max(p.OriginalLen, len(p.Data))),
		},
		Data:      p.Data,
		Timestamp: p.Timestamp,
	}
}

// CaptureInfo 转换为 gopacket 的捕获信息。
func (p *Packet) CaptureInfo() gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:      p.Timestamp,
		CaptureLength:  p.CaptureLen,
		Length:         p.OriginalLen,
		InterfaceIndex: max(p.InterfaceID, 0),
	}
}

// LayersLinkType 链路类型超出 gopacket 的取值范围时 ok 为 false。
func (p *Packet) LayersLinkType() (layers.LinkType, bool) {
	if p.LinkType > 0xff {
		return 0, false
	}
	return layers.LinkType(p.LinkType), true
}

// Decode 用 gopacket 解析协议层，链路类型未知时返回 nil。
func (p *Packet) Decode(opts gopacket.DecodeOptions) gopacket.Packet {
	lt, ok := p.LayersLinkType()
	if !ok {
		return nil
	}
	pkt := gopacket.NewPacket(p.Data, lt, opts)
	md := pkt.Metadata()
	md.CaptureInfo = p.CaptureInfo()
	return pkt
}
