// Package frame 把可能随时暂停的字节流切分成完整的帧。
//
// Assembler 有两种驱动方式：拉模式包装一个 io.Reader，读不到数据时返回
// gerr.ErrWouldBlock 并保留已缓冲的字节；推模式由调用方 Feed 数据，
// CloseFeed 表示流结束。两种模式下挂起后再次调用都会从原位置继续。
package frame

import (
	"errors"
	"io"
	"os"
	"slices"
	"syscall"

	"github.com/valyala/bytebufferpool"

	"github.com/sofiworker/gcap/gerr"
)

const (
	DefaultMaxFrameSize = 64 << 20
	DefaultReadSize     = 32 << 10
)

// State 装配器状态
type State uint8

const (
	StateIdle State = iota
	// StateAwaitingBytes 上一次调用因数据不足而挂起。
	StateAwaitingBytes
	// StateClosed 已遇到流结束或传输错误。
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBytes:
		return "awaiting-bytes"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Framer 描述一种帧格式。
type Framer interface {
	// HeaderLen 返回确定帧长所需的字节数，prefix 为当前已缓冲的字节，可能不足。
	HeaderLen(prefix []byte) int
	// FrameLen 根据帧头返回整帧长度（含帧头）。
	FrameLen(header []byte) (int, error)
}

// Assembler 增量帧装配器，非并发安全。
type Assembler struct {
	src      io.Reader
	buf      *bytebufferpool.ByteBuffer
	r        int
	eof      bool
	err      error
	state    State
	offset   int64
	maxFrame int
	readSize int
}

// Option 装配器选项
type Option func(*Assembler)

// WithMaxFrameSize 限制单帧大小，超限视为致命的长度错误。
func WithMaxFrameSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxFrame = n
		}
	}
}

// WithReadSize 设置每次从 src 读取的字节数。
func WithReadSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.readSize = n
		}
	}
}

// New 创建装配器。src 为 nil 时进入推模式。
func New(src io.Reader, opts ...Option) *Assembler {
	a := &Assembler{
		src:      src,
		buf:      bytebufferpool.Get(),
		maxFrame: DefaultMaxFrameSize,
		readSize: DefaultReadSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed 追加数据（推模式）。CloseFeed 或 Release 之后再 Feed 返回 io.ErrClosedPipe。
func (a *Assembler) Feed(p []byte) error {
	if a.buf == nil || a.eof {
		return io.ErrClosedPipe
	}
	a.compact()
	a.buf.B = append(a.buf.B, p...)
	return nil
}

// CloseFeed 标记流结束。
func (a *Assembler) CloseFeed() {
	a.eof = true
}

// Buffered 返回已缓冲未消费的字节数。
func (a *Assembler) Buffered() int {
	if a.buf == nil {
		return 0
	}
	return len(a.buf.B) - a.r
}

// Offset 返回下一个未消费字节在流中的偏移。
func (a *Assembler) Offset() int64 {
	return a.offset
}

func (a *Assembler) State() State {
	return a.state
}

// MaxFrameSize 返回单帧上限。
func (a *Assembler) MaxFrameSize() int {
	return a.maxFrame
}

// Release 归还缓冲区，之后装配器不可再用。
func (a *Assembler) Release() {
	if a.buf != nil {
		bytebufferpool.Put(a.buf)
		a.buf = nil
	}
	a.state = StateClosed
}

// Peek 返回至少 n 个已缓冲字节的视图，不消费。视图在下一次调用前有效。
//
// 返回 io.EOF 表示在帧边界处干净结束；在帧中途结束返回 KindTruncatedFrame。
func (a *Assembler) Peek(n int) ([]byte, error) {
	if err := a.fill(n); err != nil {
		return nil, err
	}
	a.state = StateIdle
	return a.buf.B[a.r : a.r+n], nil
}

// Take 消费 n 个字节并返回其副本。
func (a *Assembler) Take(n int) ([]byte, error) {
	if err := a.fill(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, a.buf.B[a.r:a.r+n])
	a.r += n
	a.offset += int64(n)
	a.state = StateIdle
	return out, nil
}

// NextFrame 按 f 描述的格式取出下一整帧。
func (a *Assembler) NextFrame(f Framer) ([]byte, error) {
	need := f.HeaderLen(a.buffered())
	var head []byte
	for {
		var err error
		head, err = a.Peek(need)
		if err != nil {
			return nil, err
		}
		next := f.HeaderLen(head)
		if next <= need {
			break
		}
		need = next
	}

	n, err := f.FrameLen(head)
	if err != nil {
		var ge *gerr.Err
		if errors.As(err, &ge) && ge.Offset < 0 {
			ge.Offset = a.offset
		}
		return nil, err
	}
	if n < need {
		return nil, gerr.New(gerr.KindInvalidLength, "frame", "frame length %d shorter than header %d", n, need).At(a.offset)
	}
	if n > a.maxFrame {
		return nil, gerr.New(gerr.KindInvalidLength, "frame", "frame length %d exceeds limit %d", n, a.maxFrame).At(a.offset)
	}
	return a.Take(n)
}

func (a *Assembler) buffered() []byte {
	if a.buf == nil {
		return nil
	}
	return a.buf.B[a.r:]
}

func (a *Assembler) compact() {
	if a.r == 0 {
		return
	}
	n := copy(a.buf.B, a.buf.B[a.r:])
	a.buf.B = a.buf.B[:n]
	a.r = 0
}

// fill 保证至少缓冲 n 个字节。
func (a *Assembler) fill(n int) error {
	if a.buf == nil {
		return io.ErrClosedPipe
	}
	if a.err != nil {
		return a.err
	}
	for a.Buffered() < n {
		if a.eof {
			a.state = StateClosed
			if a.Buffered() == 0 {
				return io.EOF
			}
			return gerr.New(gerr.KindTruncatedFrame, "frame",
				"stream ended with %d of %d bytes", a.Buffered(), n).At(a.offset)
		}
		if a.src == nil {
			a.state = StateAwaitingBytes
			return gerr.ErrWouldBlock
		}

		a.compact()
		want := max(a.readSize, n-a.Buffered())
		a.buf.B = slices.Grow(a.buf.B, want)
		b := a.buf.B
		m, err := a.src.Read(b[len(b):cap(b)])
		a.buf.B = b[:len(b)+m]

		switch {
		case err == io.EOF:
			a.eof = true
		case err != nil && isWouldBlock(err):
			if a.Buffered() >= n {
				return nil
			}
			a.state = StateAwaitingBytes
			return gerr.ErrWouldBlock
		case err != nil:
			a.state = StateClosed
			a.err = gerr.Wrap(gerr.KindTransport, "frame", err).At(a.offset)
			return a.err
		case m == 0:
			a.state = StateAwaitingBytes
			return gerr.ErrWouldBlock
		}
	}
	return nil
}

// isWouldBlock 识别各类传输上的“暂时无数据”。
func isWouldBlock(err error) bool {
	return errors.Is(err, gerr.ErrWouldBlock) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EAGAIN)
}

// IsWouldBlock 与装配器使用相同的判定，供写路径复用。
func IsWouldBlock(err error) bool {
	return isWouldBlock(err)
}
