package codec

// NoneCompressor stores data as-is.
type NoneCompressor struct{}

var _ Compressor = NoneCompressor{}

func (NoneCompressor) Compress(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (NoneCompressor) Decompress(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (NoneCompressor) Format() Format { return FormatNone }
