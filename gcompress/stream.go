// Package gcompress 为抓包文件提供透明的流式压缩与解压。
package gcompress

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Algorithm 压缩算法
type Algorithm string

const (
	None Algorithm = ""
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect 根据数据前缀判断压缩算法。
func Detect(prefix []byte) Algorithm {
	switch {
	case bytes.HasPrefix(prefix, zstdMagic):
		return Zstd
	case bytes.HasPrefix(prefix, gzipMagic):
		return Gzip
	}
	return None
}

// AlgorithmFromPath 根据扩展名选择算法，例如 capture.pcapng.gz。
func AlgorithmFromPath(path string) Algorithm {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	}
	return None
}

// ParseAlgorithm 解析配置中的算法名称。
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	}
	return None, fmt.Errorf("gcompress: unsupported algorithm %q", s)
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// NewReader 探测 r 的前缀，必要时套上解压器。未压缩的数据原样返回。
func NewReader(r io.Reader) (io.ReadCloser, Algorithm, error) {
	br := bufio.NewReader(r)
	prefix, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, None, err
	}

	alg := Detect(prefix)
	switch alg {
	case Gzip:
		zr, err := newGzipReader(br)
		if err != nil {
			return nil, alg, fmt.Errorf("gcompress: %w", err)
		}
		return zr, alg, nil
	case Zstd:
		zr, err := newZstdReader(br)
		if err != nil {
			return nil, alg, fmt.Errorf("gcompress: %w", err)
		}
		return zr, alg, nil
	}
	return readCloser{Reader: br}, None, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter 按算法包装 w；level 为 0 时使用各算法默认级别。Close 不会关闭 w。
func NewWriter(w io.Writer, alg Algorithm, level int) (io.WriteCloser, error) {
	switch alg {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return newGzipWriter(w, level)
	case Zstd:
		return newZstdWriter(w, level)
	}
	return nil, fmt.Errorf("gcompress: unsupported algorithm %q", alg)
}
