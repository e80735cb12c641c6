package frame

import "encoding/binary"

// AppendOrder 返回 order 的追加视图。标准库字节序直接使用，自定义实现按 Put 方法回退。
func AppendOrder(order binary.ByteOrder) binary.AppendByteOrder {
	if ao, ok := order.(binary.AppendByteOrder); ok {
		return ao
	}
	return putAppender{order}
}

type putAppender struct {
	binary.ByteOrder
}

func (p putAppender) AppendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	p.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func (p putAppender) AppendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	p.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func (p putAppender) AppendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	p.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}
