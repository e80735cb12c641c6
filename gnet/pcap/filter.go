package pcap

import (
	"io"

	"golang.org/x/net/bpf"
)

// FilterCopy 读取 r 中的 pcap，按 BPF 过滤后写入 w（pcap），返回通过包数。
// 输出沿用输入的字节序、时间戳精度和链路类型。
func FilterCopy(r io.Reader, w io.Writer, prog []bpf.Instruction) (count int, err error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return 0, err
	}

	reader, err := NewReader(r)
	if err != nil {
		return 0, err
	}
	defer reader.Release()

	h := reader.Header()
	writer, err := NewWriter(w,
		WithSnapLen(max(h.SnapLen, 1)),
		WithLinkType(h.Network),
		WithByteOrder(h.ByteOrder()),
		WithTimestampResolution(h.TimestampResolution()),
		WithVersion(max(h.VersionMajor, 1), h.VersionMinor),
		WithBuffer(64<<10),
	)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
	}()

	for {
		pkt, err := reader.ReadPacket()
		if err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, err
		}
		keep, err := vm.Run(pkt.Data)
		if err != nil {
			return count, err
		}
		if keep == 0 {
			continue
		}
		if err := writer.WritePacket(pkt); err != nil {
			return count, err
		}
		count++
	}
}
