package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how blob bytes are encoded at rest.
type Compression uint8

// These values are written into the first byte of every encoded blob; changing
// them breaks blobs already stored.
const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configured compression name.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// minCompressSize is the size below which blobs are stored as-is.
const minCompressSize = 256

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// Codec frames blob bytes as: tag byte, uvarint original length, payload.
// Incompressible or small data is always stored with CompressionNone.
type Codec struct {
	Compression Compression
}

// Encode returns the at-rest form of data.
func (c Codec) Encode(data []byte) []byte {
	tag := c.Compression
	var payload []byte
	if len(data) >= minCompressSize && tag != CompressionNone {
		var err error
		switch tag {
		case CompressionLZ4:
			payload, err = compressLZ4(data)
		case CompressionZstd:
			payload, err = compressZstd(data)
		default:
			err = errIncompressible
		}
		if err != nil {
			tag, payload = CompressionNone, nil
		}
	} else {
		tag = CompressionNone
	}
	if tag == CompressionNone {
		payload = data
	}

	out := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(tag)
	n := binary.PutUvarint(out[1:], uint64(len(data)))
	copy(out[1+n:], payload)
	return out[:1+n+len(payload)]
}

// Decode reverses Encode, whatever compression the blob was written with.
func (c Codec) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) < 2 {
		return nil, fmt.Errorf("decode blob: %d bytes is too short", len(encoded))
	}
	tag := Compression(encoded[0])
	size, n := binary.Uvarint(encoded[1:])
	if n <= 0 {
		return nil, errors.New("decode blob: bad length header")
	}
	payload := encoded[1+n:]

	switch tag {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("decode blob: size %d does not match header %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode blob: unsupported compression %s", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
