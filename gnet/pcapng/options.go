package pcapng

import (
	"encoding/binary"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/gnet/frame"
)

// 通用选项
const (
	OptEndOfOpt           uint16 = 0
	OptComment            uint16 = 1
	OptCustomString       uint16 = 2988
	OptCustomBinary       uint16 = 2989
	OptCustomStringNoCopy uint16 = 19372
	OptCustomBinaryNoCopy uint16 = 19373
)

// SHB 选项
const (
	OptShbHardware uint16 = 2
	OptShbOS       uint16 = 3
	OptShbUserAppl uint16 = 4
)

// IDB 选项
const (
	OptIfName        uint16 = 2
	OptIfDescription uint16 = 3
	OptIfIPv4Addr    uint16 = 4
	OptIfIPv6Addr    uint16 = 5
	OptIfMACAddr     uint16 = 6
	OptIfEUIAddr     uint16 = 7
	OptIfSpeed       uint16 = 8
	OptIfTsResol     uint16 = 9
	OptIfTzone       uint16 = 10
	OptIfFilter      uint16 = 11
	OptIfOS          uint16 = 12
	OptIfFCSLen      uint16 = 13
	OptIfTsOffset    uint16 = 14
	OptIfHardware    uint16 = 15
	OptIfTxSpeed     uint16 = 16
	OptIfRxSpeed     uint16 = 17
)

// EPB 选项
const (
	OptEpbFlags     uint16 = 2
	OptEpbHash      uint16 = 3
	OptEpbDropCount uint16 = 4
	OptEpbPacketID  uint16 = 5
	OptEpbQueue     uint16 = 6
	OptEpbVerdict   uint16 = 7
)

// NRB 选项
const (
	OptNsDNSName    uint16 = 2
	OptNsDNSIP4Addr uint16 = 3
	OptNsDNSIP6Addr uint16 = 4
)

// ISB 选项
const (
	OptIsbStartTime    uint16 = 2
	OptIsbEndTime      uint16 = 3
	OptIsbIfRecv       uint16 = 4
	OptIsbIfDrop       uint16 = 5
	OptIsbFilterAccept uint16 = 6
	OptIsbOSDrop       uint16 = 7
	OptIsbUsrDeliv     uint16 = 8
)

type Option struct {
	Code  uint16
	Value []byte
}

// IsCustom 是否为携带 PEN 的自定义选项。
func (o Option) IsCustom() bool {
	switch o.Code {
	case OptCustomString, OptCustomBinary, OptCustomStringNoCopy, OptCustomBinaryNoCopy:
		return true
	}
	return false
}

// Custom 拆出自定义选项的 PEN 与数据。
func (o Option) Custom(order binary.ByteOrder) (pen uint32, data []byte, ok bool) {
	if !o.IsCustom() || len(o.Value) < 4 {
		return 0, nil, false
	}
	return order.Uint32(o.Value[:4]), o.Value[4:], true
}

// NewCustomOption 构造自定义选项。
func NewCustomOption(code uint16, order binary.ByteOrder, pen uint32, data []byte) Option {
	v := frame.AppendOrder(order).AppendUint32(make([]byte, 0, 4+len(data)), pen)
	return Option{Code: code, Value: append(v, data...)}
}

// Options 保持原始顺序；未识别的选项码同样保留。
type Options []Option

func (o Options) Get(code uint16) ([]byte, bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt.Value, true
		}
	}
	return nil, false
}

// All 返回同一选项码的全部取值，例如多条 opt_comment。
func (o Options) All(code uint16) [][]byte {
	var out [][]byte
	for _, opt := range o {
		if opt.Code == code {
			out = append(out, opt.Value)
		}
	}
	return out
}

func (o Options) String(code uint16) (string, bool) {
	v, ok := o.Get(code)
	if !ok {
		return "", false
	}
	return string(v), true
}

func (o Options) Uint64(code uint16, order binary.ByteOrder) (uint64, bool) {
	v, ok := o.Get(code)
	if !ok || len(v) != 8 {
		return 0, false
	}
	return order.Uint64(v), true
}

func (o Options) Uint32(code uint16, order binary.ByteOrder) (uint32, bool) {
	v, ok := o.Get(code)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return order.Uint32(v), true
}

// Comments 返回所有 opt_comment。
func (o Options) Comments() []string {
	var out []string
	for _, v := range o.All(OptComment) {
		out = append(out, string(v))
	}
	return out
}

// optionRules 按块类型给出定长选项的长度约束。
var optionRules = map[BlockType]map[uint16]int{
	InterfaceDescriptionBlockType: {
		OptIfIPv4Addr: 8,
		OptIfIPv6Addr: 17,
		OptIfMACAddr:  6,
		OptIfEUIAddr:  8,
		OptIfSpeed:    8,
		OptIfTsResol:  1,
		OptIfTzone:    4,
		OptIfFCSLen:   1,
		OptIfTsOffset: 8,
		OptIfTxSpeed:  8,
		OptIfRxSpeed:  8,
	},
	EnhancedPacketBlockType: {
		OptEpbFlags:     4,
		OptEpbDropCount: 8,
		OptEpbPacketID:  8,
		OptEpbQueue:     4,
	},
	ObsoletePacketBlockType: {
		OptEpbFlags: 4,
	},
	InterfaceStatisticsBlockType: {
		OptIsbStartTime:    8,
		OptIsbEndTime:      8,
		OptIsbIfRecv:       8,
		OptIsbIfDrop:       8,
		OptIsbFilterAccept: 8,
		OptIsbOSDrop:       8,
		OptIsbUsrDeliv:     8,
	},
	NameResolutionBlockType: {
		OptNsDNSIP4Addr: 4,
		OptNsDNSIP6Addr: 16,
	},
}

func validateOption(bt BlockType, opt Option) error {
	if want, ok := optionRules[bt][opt.Code]; ok && len(opt.Value) != want {
		return gerr.New(gerr.KindOptionMalformed, opDecode,
			"%s option %d has length %d, want %d", bt, opt.Code, len(opt.Value), want)
	}
	switch opt.Code {
	case OptCustomString, OptCustomBinary, OptCustomStringNoCopy, OptCustomBinaryNoCopy:
		if len(opt.Value) < 4 {
			return gerr.New(gerr.KindOptionMalformed, opDecode, "custom option %d shorter than its PEN", opt.Code)
		}
	}
	if bt == InterfaceDescriptionBlockType && opt.Code == OptIfTsResol && !Resolution(opt.Value[0]).Valid() {
		return gerr.New(gerr.KindOptionMalformed, opDecode, "if_tsresol 0x%02x out of range", opt.Value[0])
	}
	return nil
}

// parseOptions 解析选项区，必须恰好消费完 data。
func parseOptions(bt BlockType, data []byte, order binary.ByteOrder) (Options, error) {
	var opts Options
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, gerr.New(gerr.KindOptionMalformed, opDecode, "%s: %d trailing bytes after options", bt, len(data))
		}
		code := order.Uint16(data[0:2])
		length := int(order.Uint16(data[2:4]))
		data = data[4:]

		if code == OptEndOfOpt {
			if length != 0 || len(data) != 0 {
				return nil, gerr.New(gerr.KindOptionMalformed, opDecode,
					"%s: opt_endofopt does not end the block body (%d bytes remain)", bt, len(data))
			}
			break
		}

		padded := length + pad4(length)
		if padded > len(data) {
			return nil, gerr.New(gerr.KindOptionMalformed, opDecode,
				"%s: option %d length %d overruns block body", bt, code, length)
		}
		opt := Option{Code: code, Value: data[:length:length]}
		if err := validateOption(bt, opt); err != nil {
			return nil, err
		}
		opts = append(opts, opt)
		data = data[padded:]
	}
	return opts, nil
}

// appendOptions 追加选项区；有选项时以 opt_endofopt 结束。
func appendOptions(dst []byte, order binary.ByteOrder, opts Options) []byte {
	if len(opts) == 0 {
		return dst
	}
	ao := frame.AppendOrder(order)
	for _, opt := range opts {
		dst = ao.AppendUint16(dst, opt.Code)
		dst = ao.AppendUint16(dst, uint16(len(opt.Value)))
		dst = append(dst, opt.Value...)
		dst = appendPad(dst, len(opt.Value))
	}
	dst = ao.AppendUint16(dst, OptEndOfOpt)
	return ao.AppendUint16(dst, 0)
}

func pad4(n int) int {
	return (4 - n%4) % 4
}

var zeroPad [3]byte

func appendPad(dst []byte, n int) []byte {
	return append(dst, zeroPad[:pad4(n)]...)
}
