package export

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCompressionFailed   = errors.New("export: compression failed")
	ErrDecompressionFailed = errors.New("export: decompression failed")
)

// CompressionLevel trades speed for ratio.
type CompressionLevel int

const (
	CompressionFast CompressionLevel = iota
	CompressionDefault
	CompressionBest
)

var writerPool = sync.Pool{
	New: func() any { return lz4.NewWriter(nil) },
}

var readerPool = sync.Pool{
	New: func() any { return lz4.NewReader(nil) },
}

// Compress returns data as an LZ4 frame.
func Compress(data []byte, level CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := writerPool.Get().(*lz4.Writer)
	defer writerPool.Put(w)
	w.Reset(&buf)

	lvl := lz4.Level4
	switch level {
	case CompressionFast:
		lvl = lz4.Fast
	case CompressionBest:
		lvl = lz4.Level9
	}
	if err := w.Apply(lz4.CompressionLevelOption(lvl), lz4.ChecksumOption(true)); err != nil {
		return nil, errors.Join(ErrCompressionFailed, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Join(ErrCompressionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Join(ErrCompressionFailed, err)
	}
	return buf.Bytes(), nil
}

// Decompress reads one LZ4 frame.
func Decompress(data []byte) ([]byte, error) {
	r := readerPool.Get().(*lz4.Reader)
	defer readerPool.Put(r)
	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, errors.Join(ErrDecompressionFailed, err)
	}
	return buf.Bytes(), nil
}
