package frame

import (
	"context"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/sofiworker/gcap/gerr"
	"github.com/sofiworker/gcap/gretry"
)

// Sink 写方向的挂起点：编码结果先进入待发送缓冲区，Flush 时交给传输。
// 传输暂不接受时未写出的字节留在缓冲区，下一次 Flush 从断点继续。
type Sink struct {
	dst       io.Writer
	closer    io.Closer
	pending   *bytebufferpool.ByteBuffer
	off       int
	threshold int
	written   int64
	err       error
	retry     []gretry.Option
}

// SinkOption Sink 选项
type SinkOption func(*Sink)

// WithFlushThreshold 待发送字节达到 n 时自动 Flush。n<=1 表示每次写入都 Flush。
func WithFlushThreshold(n int) SinkOption {
	return func(s *Sink) {
		if n < 1 {
			n = 1
		}
		s.threshold = n
	}
}

// WithCloser Close 时一并关闭 c。
func WithCloser(c io.Closer) SinkOption {
	return func(s *Sink) {
		s.closer = c
	}
}

// WithRetry 设置 FlushContext 与 Close 使用的重试策略。
func WithRetry(opts ...gretry.Option) SinkOption {
	return func(s *Sink) {
		s.retry = append(s.retry, opts...)
	}
}

// NewSink 创建 Sink。
func NewSink(dst io.Writer, opts ...SinkOption) *Sink {
	s := &Sink{
		dst:       dst,
		pending:   bytebufferpool.Get(),
		threshold: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write 追加到待发送缓冲区，从不阻塞。
func (s *Sink) Write(p []byte) (int, error) {
	if s.pending == nil {
		return 0, io.ErrClosedPipe
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.pending.Write(p)
}

// Pending 返回尚未被传输接受的字节数。
func (s *Sink) Pending() int {
	if s.pending == nil {
		return 0
	}
	return len(s.pending.B) - s.off
}

// Written 返回已被传输接受的总字节数。
func (s *Sink) Written() int64 {
	return s.written
}

// Ready 待发送字节低于阈值时可以接受新的记录。
func (s *Sink) Ready() bool {
	return s.Pending() < s.threshold
}

// Admit 在编码新记录前调用：缓冲区已满时先尝试 Flush，
// 传输仍不接受则返回 gerr.ErrWouldBlock，调用方稍后重试同一条记录。
func (s *Sink) Admit() error {
	if s.err != nil {
		return s.err
	}
	if s.Ready() {
		return nil
	}
	return s.Flush()
}

// Commit 在记录编码写入后调用：达到阈值时尝试 Flush，挂起不视为错误。
func (s *Sink) Commit() error {
	if s.Ready() {
		return nil
	}
	if err := s.Flush(); err != nil && !gerr.IsWouldBlock(err) {
		return err
	}
	return nil
}

// Flush 把待发送字节交给传输。
func (s *Sink) Flush() error {
	if s.pending == nil {
		return io.ErrClosedPipe
	}
	if s.err != nil {
		return s.err
	}
	for s.off < len(s.pending.B) {
		n, err := s.dst.Write(s.pending.B[s.off:])
		if n > 0 {
			s.off += n
			s.written += int64(n)
		}
		if err != nil {
			if isWouldBlock(err) {
				return gerr.ErrWouldBlock
			}
			s.err = gerr.Wrap(gerr.KindTransport, "frame.sink", err)
			return s.err
		}
		if n == 0 {
			return gerr.ErrWouldBlock
		}
	}
	s.pending.Reset()
	s.off = 0
	if f, ok := s.dst.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			if isWouldBlock(err) {
				return gerr.ErrWouldBlock
			}
			s.err = gerr.Wrap(gerr.KindTransport, "frame.sink", err)
			return s.err
		}
	}
	return nil
}

// FlushContext 在传输挂起时按退避策略重试 Flush，直到成功或 ctx 结束。
func (s *Sink) FlushContext(ctx context.Context) error {
	return gretry.Do(ctx, s.Flush, s.retry...).Err
}

// Close 尽力 Flush，随后无论成败都归还缓冲区并关闭底层 closer。
func (s *Sink) Close() error {
	if s.pending == nil {
		return nil
	}
	err := s.FlushContext(context.Background())
	bytebufferpool.Put(s.pending)
	s.pending = nil
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
