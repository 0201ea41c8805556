package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	lz4 "github.com/pierrec/lz4/v4"
)

// The lz4 block format does not store the original size, so each block is framed as
// uvarint(original length) | mode byte | body.
const (
	lz4ModeRaw   byte = 0
	lz4ModeBlock byte = 1
)

// LZ4Compressor compresses with the LZ4 block format.
type LZ4Compressor struct{}

var _ Compressor = LZ4Compressor{}

func NewLZ4Compressor() LZ4Compressor {
	return LZ4Compressor{}
}

func (LZ4Compressor) Compress(data []byte) ([]byte, error) {
	header := binary.AppendUvarint(nil, uint64(len(data)))

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	// n == 0 means the input is incompressible.
	if n == 0 || n >= len(data) {
		out := append(header, lz4ModeRaw)
		return append(out, data...), nil
	}
	out := append(header, lz4ModeBlock)
	return append(out, dst[:n]...), nil
}

func (LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || n >= len(data) {
		return nil, errors.New("lz4 decompress error: truncated header")
	}
	if size > maxDecodedSize {
		return nil, fmt.Errorf("lz4 decompress error: declared size %d too large", size)
	}
	mode, body := data[n], data[n+1:]
	switch mode {
	case lz4ModeRaw:
		if uint64(len(body)) != size {
			return nil, errors.New("lz4 decompress error: raw length mismatch")
		}
		return append([]byte(nil), body...), nil
	case lz4ModeBlock:
		out := make([]byte, size)
		m, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if uint64(m) != size {
			return nil, errors.New("lz4 decompress error: length mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown mode %d", mode)
	}
}

func (LZ4Compressor) Format() Format { return FormatLZ4 }
