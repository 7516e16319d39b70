// Package compression negotiates and applies HTTP content codings for poll
// responses. The codec set is closed: identity, gzip, br and zstd.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content-coding tokens as they appear on the wire.
const (
	NameIdentity = "identity"
	NameGzip     = "gzip"
	NameBrotli   = "br"
	NameZstd     = "zstd"
)

// Codec is one content coding. Compress and Decompress are pure.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type identityCodec struct{}

// Identity passes bytes through untouched.
var Identity Codec = identityCodec{}

func (identityCodec) Name() string                          { return NameIdentity }
func (identityCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (identityCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct{ level int }

// NewGzip returns a gzip codec; level 0 picks the library default.
func NewGzip(level int) Codec {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return gzipCodec{level: level}
}

func (gzipCodec) Name() string { return NameGzip }

func (c gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

type brotliCodec struct{ level int }

// NewBrotli returns a br codec; level 0 picks the library default.
func NewBrotli(level int) Codec {
	if level == 0 {
		level = brotli.DefaultCompression
	}
	return brotliCodec{level: level}
}

func (brotliCodec) Name() string { return NameBrotli }

func (c brotliCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("brotli compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (brotliCodec) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("brotli decompress: %w", err)
	}
	return out, nil
}

// zstdCodec shares one encoder and decoder; both are safe for concurrent
// EncodeAll/DecodeAll.
type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstd() (Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{encoder: enc, decoder: dec}, nil
}

func (*zstdCodec) Name() string { return NameZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
