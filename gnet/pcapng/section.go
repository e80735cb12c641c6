package pcapng

import (
	"encoding/binary"
	"slices"
	"time"

	"github.com/sofiworker/gcap/gerr"
)

type SectionState uint8

const (
	AwaitingSection SectionState = iota
	InSection
)

func (s SectionState) String() string {
	if s == InSection {
		return "in-section"
	}
	return "awaiting-section"
}

// Interface 当前 section 中的一个接口及其换算参数。
type Interface struct {
	ID         uint32
	LinkType   uint16
	SnapLen    uint32
	Resolution Resolution
	// Offset if_tsoffset，单位秒。
	Offset int64
	Block  *InterfaceDescriptionBlock
	// Broken IDB 解码失败，仅占位。
	Broken bool
}

// Time 把原始时间戳换算为 UTC 时间。
func (i *Interface) Time(units uint64) time.Time {
	return i.Resolution.ToTime(units, i.Offset)
}

// Units 把时间换算为该接口的原始时间戳。
func (i *Interface) Units(t time.Time) uint64 {
	return i.Resolution.Units(t, i.Offset)
}

// Section 跟踪当前 section 的字节序与接口表，每个 SHB 整体替换接口表。
type Section struct {
	state      SectionState
	header     *SectionHeaderBlock
	order      binary.ByteOrder
	interfaces []*Interface
}

func NewSection() *Section {
	return &Section{}
}

func (s *Section) State() SectionState {
	return s.state
}

// ByteOrder 返回当前 section 的字节序，尚未进入 section 时为 nil。
func (s *Section) ByteOrder() binary.ByteOrder {
	return s.order
}

func (s *Section) Header() *SectionHeaderBlock {
	return s.header
}

func (s *Section) Interfaces() []*Interface {
	return s.interfaces
}

func (s *Section) Reset() {
	*s = Section{}
}

// Begin 开始新的 section，清空接口表。
func (s *Section) Begin(shb *SectionHeaderBlock) {
	s.state = InSection
	s.header = shb
	s.order = shb.ByteOrder
	s.interfaces = nil
}

// AddInterface 追加接口并返回其序号。
func (s *Section) AddInterface(idb *InterfaceDescriptionBlock) (uint32, error) {
	if s.state != InSection {
		return 0, gerr.New(gerr.KindInterfaceNotFound, opSection, "interface description outside a section")
	}
	iface := &Interface{
		ID:         uint32(len(s.interfaces)),
		LinkType:   idb.LinkType,
		SnapLen:    idb.SnapLen,
		Resolution: idb.Resolution(),
		Block:      idb,
	}
	if v, ok := idb.Options.Uint64(OptIfTsOffset, s.order); ok {
		iface.Offset = int64(v)
	}
	s.interfaces = append(s.interfaces, iface)
	return iface.ID, nil
}

// reserve 为解码失败的 IDB 占位，保持后续序号对齐。
func (s *Section) reserve() {
	if s.state != InSection {
		return
	}
	s.interfaces = append(s.interfaces, &Interface{
		ID:         uint32(len(s.interfaces)),
		Resolution: DefaultResolution,
		Broken:     true,
	})
}

// Interface 按序号查找接口。
func (s *Section) Interface(id uint32) (*Interface, error) {
	if s.state != InSection {
		return nil, gerr.New(gerr.KindInterfaceNotFound, opSection, "interface %d referenced outside a section", id)
	}
	if int(id) >= len(s.interfaces) {
		return nil, gerr.New(gerr.KindInterfaceNotFound, opSection,
			"interface %d not declared, section has %d", id, len(s.interfaces))
	}
	iface := s.interfaces[id]
	if iface.Broken {
		return nil, gerr.New(gerr.KindInterfaceNotFound, opSection, "interface %d has a malformed description", id)
	}
	return iface, nil
}

// Describe 复制接口 id 的 IDB，整数选项与自定义选项的 PEN 按 order 重新编码，用于在另一个 section 中重新声明该接口。
func (s *Section) Describe(id uint32, order binary.ByteOrder) (*InterfaceDescriptionBlock, error) {
	iface, err := s.Interface(id)
	if err != nil {
		return nil, err
	}
	src := iface.Block
	idb := &InterfaceDescriptionBlock{LinkType: src.LinkType, SnapLen: src.SnapLen}
	for _, opt := range src.Options {
		idb.Options = append(idb.Options, reorderOption(opt, s.order, order))
	}
	return idb, nil
}

// ifIntegerOptions IDB 中按字节序编码的定长整数选项。
var ifIntegerOptions = map[uint16]bool{
	OptIfSpeed:    true,
	OptIfTzone:    true,
	OptIfTsOffset: true,
	OptIfTxSpeed:  true,
	OptIfRxSpeed:  true,
}

func reorderOption(opt Option, from, to binary.ByteOrder) Option {
	if from == to {
		return Option{Code: opt.Code, Value: slices.Clone(opt.Value)}
	}
	if pen, data, ok := opt.Custom(from); ok {
		return NewCustomOption(opt.Code, to, pen, data)
	}
	v := slices.Clone(opt.Value)
	if ifIntegerOptions[opt.Code] {
		slices.Reverse(v)
	}
	return Option{Code: opt.Code, Value: v}
}

// Check 校验块对接口的引用，不修改状态。
func (s *Section) Check(b Block) error {
	switch blk := b.(type) {
	case *SectionHeaderBlock:
		return nil
	case *InterfaceDescriptionBlock:
		if s.state != InSection {
			return gerr.New(gerr.KindInterfaceNotFound, opSection, "interface description outside a section")
		}
		return nil
	case *SimplePacketBlock:
		if s.state != InSection {
			return gerr.New(gerr.KindInterfaceNotFound, opSection, "simple packet outside a section")
		}
		// 没有接口时不校验
		if len(s.interfaces) == 0 {
			return nil
		}
		_, err := s.Interface(0)
		return err
	case PacketBlock:
		_, err := s.Interface(blk.InterfaceIndex())
		return err
	}
	return nil
}

// Apply 校验并按块更新状态。
func (s *Section) Apply(b Block) error {
	if err := s.Check(b); err != nil {
		return err
	}
	switch blk := b.(type) {
	case *SectionHeaderBlock:
		s.Begin(blk)
	case *InterfaceDescriptionBlock:
		_, err := s.AddInterface(blk)
		return err
	}
	return nil
}

// snapLen0 返回接口 0 的 snaplen，用于截断 SPB。
func (s *Section) snapLen0() (uint32, bool) {
	if len(s.interfaces) == 0 || s.interfaces[0].Broken {
		return 0, false
	}
	return s.interfaces[0].SnapLen, true
}
