package arraystore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm used for a payload chunk. The
// requested algorithm is recorded on the handle; the tag actually applied is
// recorded per chunk, since incompressible chunks fall back to raw storage.
type Compression string

const (
	// CompressionNone stores chunks uncompressed.
	CompressionNone Compression = "none"
	// CompressionLZ4 applies LZ4 block compression. Fast default for
	// numeric payloads of unknown character.
	CompressionLZ4 Compression = "lz4"
	// CompressionZstd applies zstd at its default level. Better ratios on
	// smooth or repetitive data at higher CPU cost.
	CompressionZstd Compression = "zstd"
)

// Valid reports whether c is a known algorithm.
func (c Compression) Valid() bool {
	switch c {
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return true
	}
	return false
}

// ParseCompression parses the string form of a Compression.
func ParseCompression(s string) (Compression, error) {
	c := Compression(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown compression %q", s)
	}
	return c, nil
}

// errIncompressible signals that compression would not shrink the chunk;
// the caller stores it raw instead.
var errIncompressible = errors.New("incompressible chunk")

// zstdEncoder and zstdDecoder are shared across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("arraystore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("arraystore: zstd decoder initialization failed: " + err.Error())
	}
}

// compressChunk compresses data with the requested algorithm. Returns
// errIncompressible when raw storage is smaller.
func compressChunk(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// n == 0 means the block was deemed incompressible.
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", string(c))
	}
}

// decompressChunk reverses compressChunk. rawSize must match the original
// chunk length exactly; a mismatch is an error, never truncated or padded.
func decompressChunk(compressed []byte, c Compression, rawSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(compressed) != rawSize {
			return nil, fmt.Errorf("raw chunk is %d bytes, expected %d", len(compressed), rawSize)
		}
		return compressed, nil
	case CompressionLZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(compressed, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", string(c))
	}
}
