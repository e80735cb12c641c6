package pcap

import (
	"errors"
	"fmt"
	"os"
)

// CreateFile 创建 path 并返回写入该文件的 Writer，Close 刷出数据后关闭文件。
// 构造失败时删除已创建的文件。
func CreateFile(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: create %s: %w", path, err)
	}
	w, err := NewWriter(f, opts...)
	if err != nil {
		return nil, errors.Join(err, f.Close(), os.Remove(path))
	}
	return w, nil
}
