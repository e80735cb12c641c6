package pcapng

import (
	"io"

	"golang.org/x/net/bpf"
)

// FilterCopy 读取 pcapng 数据，按 BPF 过滤包块后写入新的 pcapng，返回保留的包数。
// 非包块原样写出，section 结构与接口序号保持不变。
func FilterCopy(r io.Reader, w io.Writer, prog []bpf.Instruction) (count int, err error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return 0, err
	}

	reader := NewReader(r)
	defer reader.Release()

	writer, err := NewWriter(w, WithDeferredSection(), WithBuffer(64<<10))
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
	}()

	for {
		blk, err := reader.NextBlock()
		if err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, err
		}

		pb, isPacket := blk.(PacketBlock)
		if isPacket {
			keep, err := vm.Run(pb.Payload())
			if err != nil {
				return count, err
			}
			if keep == 0 {
				continue
			}
		}
		if err := writer.WriteBlock(blk); err != nil {
			return count, err
		}
		if isPacket {
			count++
		}
	}
}
