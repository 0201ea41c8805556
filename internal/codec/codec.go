// Package codec turns serialized state into a compact, text-only form for the LMS suspend-data field.
//
// An encoded payload is one format character followed by the base64url (unpadded) form of the
// compressed bytes. The prefix lets Decode read payloads written with any registered compressor.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/lmsstate/internal/model"
)

// Format tags the compressor used for a payload.
type Format byte

const (
	FormatZstd   Format = 'z'
	FormatSnappy Format = 's'
	FormatLZ4    Format = 'l'
	FormatNone   Format = 'n'
)

var (
	// ErrUnknownFormat is returned for payloads whose prefix names no registered compressor.
	ErrUnknownFormat = errors.New("codec: unknown payload format")
	// ErrEmpty is returned when decoding an empty payload.
	ErrEmpty = errors.New("codec: empty payload")
)

// Compressor is a reversible block compressor.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Format() Format
}

var textEncoding = base64.RawURLEncoding

// Codec encodes with one compressor and decodes any registered one.
type Codec struct {
	enc      Compressor
	registry map[Format]Compressor
}

// New returns a codec that encodes with the named compressor (zstd, snappy, lz4, none).
func New(name string) (*Codec, error) {
	registry, err := defaultRegistry()
	if err != nil {
		return nil, err
	}
	f, err := ParseFormat(name)
	if err != nil {
		return nil, err
	}
	return &Codec{enc: registry[f], registry: registry}, nil
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return FormatZstd, nil
	case "snappy":
		return FormatSnappy, nil
	case "lz4":
		return FormatLZ4, nil
	case "none":
		return FormatNone, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

func defaultRegistry() (map[Format]Compressor, error) {
	z, err := NewZstdCompressor()
	if err != nil {
		return nil, err
	}
	comps := []Compressor{z, NewSnappyCompressor(), NewLZ4Compressor(), NoneCompressor{}}
	registry := make(map[Format]Compressor, len(comps))
	for _, c := range comps {
		registry[c.Format()] = c
	}
	return registry, nil
}

// Format reports the compressor used by Encode.
func (c *Codec) Format() Format { return c.enc.Format() }

// Encode compresses data into transport-safe text.
func (c *Codec) Encode(data []byte) (string, error) {
	compressed, err := c.enc.Compress(data)
	if err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	var b strings.Builder
	b.Grow(1 + textEncoding.EncodedLen(len(compressed)))
	b.WriteByte(byte(c.enc.Format()))
	b.WriteString(textEncoding.EncodeToString(compressed))
	return b.String(), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmpty
	}
	comp, ok := c.registry[Format(text[0])]
	if !ok {
		return nil, fmt.Errorf("%w: prefix %q", ErrUnknownFormat, text[0])
	}
	raw, err := textEncoding.DecodeString(text[1:])
	if err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	data, err := comp.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return data, nil
}

// EncodeState serializes and encodes a state document.
func (c *Codec) EncodeState(s model.State) (string, error) {
	data, err := model.Marshal(s)
	if err != nil {
		return "", err
	}
	return c.Encode(data)
}

// DecodeState decodes and parses a state document. It does not check the schema version.
func (c *Codec) DecodeState(text string) (model.State, error) {
	data, err := c.Decode(text)
	if err != nil {
		return model.State{}, err
	}
	return model.Unmarshal(data)
}
