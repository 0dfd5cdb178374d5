// Package codecs compresses and decompresses frame payloads before they are
// written to, and after they are read from, the record store.
package codecs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec names a compression codec of a stored frame payload.
type Codec string

// Codecs supported by this package. NONE stores the payload as-is, and is
// the only Codec which preserves the raw frame wire encoding within the store.
const (
	NONE      Codec = "none"
	GZIP      Codec = "gzip"
	SNAPPY    Codec = "snappy"
	ZSTANDARD Codec = "zstandard"
)

// Validate returns an error if the Codec is not known.
func (c Codec) Validate() error {
	switch c {
	case NONE, GZIP, SNAPPY, ZSTANDARD:
		return nil
	default:
		return fmt.Errorf("unsupported codec %q", string(c))
	}
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case NONE, "":
		return io.NopCloser(r), nil
	case GZIP:
		return gzip.NewReader(r)
	case SNAPPY:
		return io.NopCloser(snappy.NewReader(r)), nil
	case ZSTANDARD:
		return zstdNewReader(r)
	default:
		return nil, fmt.Errorf("unsupported codec %q", string(codec))
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case NONE, "":
		return nopWriteCloser{w}, nil
	case GZIP:
		return gzip.NewWriter(w), nil
	case SNAPPY:
		return snappy.NewBufferedWriter(w), nil
	case ZSTANDARD:
		return zstdNewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %q", string(codec))
	}
}

// Compress |b| with the Codec. NONE returns |b| itself.
func Compress(b []byte, codec Codec) ([]byte, error) {
	if codec == NONE || codec == "" {
		return b, nil
	}
	var buf bytes.Buffer

	var w, err = NewCodecWriter(&buf, codec)
	if err != nil {
		return nil, err
	} else if _, err = w.Write(b); err != nil {
		return nil, err
	} else if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MaxDecompressedSize bounds the length of a payload returned by Decompress.
var MaxDecompressedSize int64 = 1 << 28

// Decompress |b| encoded with the Codec. NONE returns |b| itself. It's an
// error for the decompressed payload to exceed MaxDecompressedSize.
func Decompress(b []byte, codec Codec) ([]byte, error) {
	if codec == NONE || codec == "" {
		return b, nil
	}
	var r, err = NewCodecReader(bytes.NewReader(b), codec)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []byte
	if out, err = io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1)); err != nil {
		return nil, err
	} else if int64(len(out)) > MaxDecompressedSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxDecompressedSize)
	}
	return out, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("ZSTANDARD was not enabled at compile time")
	}
)
