// Package gerr 定义抓包文件编解码的错误分类。
//
// 错误分为两类：致命错误终止整个读取序列；单元素错误只影响当前块或记录，
// 调用方可以继续读取下一个元素。
package gerr

import (
	"errors"
	"fmt"
)

// Kind 错误类别。
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransport 底层传输错误，原样透传。
	KindTransport
	// KindInvalidMagic 流起始字节既不是 pcap 也不是 pcapng。
	KindInvalidMagic
	// KindUnsupportedMagic pcap 魔数不属于四种已知取值。
	KindUnsupportedMagic
	// KindTruncatedFrame 在帧内部遇到流结束。
	KindTruncatedFrame
	// KindBlockLengthMismatch 块首尾长度字段不一致。
	KindBlockLengthMismatch
	// KindInvalidLength 块长度未对齐、过小或超过上限。
	KindInvalidLength
	// KindInvalidRecord pcap 记录长度违反 caplen 约束。
	KindInvalidRecord
	// KindBlockMalformed 块体内部字段非法，块边界仍然可信。
	KindBlockMalformed
	// KindOptionMalformed 选项 TLV 没有恰好落在块体边界上。
	KindOptionMalformed
	// KindInterfaceNotFound 引用了当前 section 未声明的接口。
	KindInterfaceNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindTransport:           "transport",
	KindInvalidMagic:        "invalid magic",
	KindUnsupportedMagic:    "unsupported magic",
	KindTruncatedFrame:      "truncated frame",
	KindBlockLengthMismatch: "block length mismatch",
	KindInvalidLength:       "invalid length",
	KindInvalidRecord:       "invalid record",
	KindBlockMalformed:      "block malformed",
	KindOptionMalformed:     "option malformed",
	KindInterfaceNotFound:   "interface not found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Err 携带类别、操作名和流偏移的错误。
type Err struct {
	Kind Kind
	Op   string
	// Offset 出错帧在流中的起始偏移，-1 表示未知。
	Offset int64
	Msg    string
	Err    error
	// Fatal 为 true 时强制视为致命错误，用于同一类别在不同位置语义不同的情况。
	Fatal bool
}

var (
	ErrInvalidMagic        = &Err{Kind: KindInvalidMagic}
	ErrUnsupportedMagic    = &Err{Kind: KindUnsupportedMagic}
	ErrTruncatedFrame      = &Err{Kind: KindTruncatedFrame}
	ErrBlockLengthMismatch = &Err{Kind: KindBlockLengthMismatch}
	ErrInvalidLength       = &Err{Kind: KindInvalidLength}
	ErrInvalidRecord       = &Err{Kind: KindInvalidRecord}
	ErrBlockMalformed      = &Err{Kind: KindBlockMalformed}
	ErrOptionMalformed     = &Err{Kind: KindOptionMalformed}
	ErrInterfaceNotFound   = &Err{Kind: KindInterfaceNotFound}
	ErrTransport           = &Err{Kind: KindTransport}

	// ErrWouldBlock 传输暂时没有数据可读或暂时不接受写入，稍后重试即可。
	ErrWouldBlock = errors.New("gcap: stream not ready")
)

// New 创建一个带格式化消息的错误。
func New(kind Kind, op string, format string, args ...interface{}) *Err {
	return &Err{Kind: kind, Op: op, Offset: -1, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 用指定类别包装底层错误。
func Wrap(kind Kind, op string, err error) *Err {
	return &Err{Kind: kind, Op: op, Offset: -1, Err: err}
}

// At 设置偏移并返回自身。
func (e *Err) At(offset int64) *Err {
	e.Offset = offset
	return e
}

// Terminal 标记为致命错误并返回自身。
func (e *Err) Terminal() *Err {
	e.Fatal = true
	return e
}

func (e *Err) Error() string {
	s := e.Op
	if s == "" {
		s = "gcap"
	}
	s += ": " + e.Kind.String()
	if e.Offset >= 0 && e.Op != "" {
		s += fmt.Sprintf(" at offset %d", e.Offset)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Err) Unwrap() error {
	return e.Err
}

// Is 按类别匹配哨兵错误。
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// KindOf 返回 err 链中第一个 *Err 的类别。
func KindOf(err error) Kind {
	var e *Err
	if errors.As(err, &e) {
		return e.Kind
	}
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		return KindTransport
	}
	return KindUnknown
}

// IsFatal 判断错误是否终止读取序列。ErrWouldBlock 与 nil 不是致命错误。
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, ErrWouldBlock) {
		return false
	}
	var e *Err
	if !errors.As(err, &e) {
		return true
	}
	if e.Fatal {
		return true
	}
	switch e.Kind {
	case KindOptionMalformed, KindInterfaceNotFound, KindBlockMalformed, KindInvalidRecord:
		return false
	}
	return true
}

// IsWouldBlock 判断是否为可恢复的挂起。
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
