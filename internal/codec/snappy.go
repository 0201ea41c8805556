package codec

import (
	"fmt"

	"github.com/golang/snappy"
)

// SnappyCompressor compresses with the Snappy block format.
type SnappyCompressor struct{}

var _ Compressor = SnappyCompressor{}

func NewSnappyCompressor() SnappyCompressor {
	return SnappyCompressor{}
}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	size, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	if size > maxDecodedSize {
		return nil, fmt.Errorf("snappy decompress error: decoded size %d exceeds %d", size, maxDecodedSize)
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return out, nil
}

func (SnappyCompressor) Format() Format { return FormatSnappy }
