package writer

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the stream compression applied to the whole record
// stream, magic included.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses the configuration name of a compression. An empty
// name means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// compressor is the subset of zstd.Encoder and lz4.Writer the writer needs.
type compressor interface {
	io.WriteCloser
	Flush() error
}

// newCompressor wraps w. It returns nil for CompressionNone.
func newCompressor(w io.Writer, c Compression) (compressor, error) {
	switch c {
	case CompressionNone:
		return nil, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}

// NewReader undoes the stream compression c on r. The returned close
// function releases decoder resources and must be called.
func NewReader(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression: %s", c)
	}
}
