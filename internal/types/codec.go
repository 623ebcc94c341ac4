package types

import "fmt"

// Codec identifies a columnar file compression codec.
type Codec int

const (
	// CodecNone writes uncompressed files. Valid for shard materialization
	// only; compression strategies reject it.
	CodecNone Codec = iota
	CodecSnappy
	CodecGzip
	CodecLZ4
	CodecZstd
)

// String returns the codec name as stored in shard metadata.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecGzip:
		return "gzip"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// ParseCodec parses a codec name. Unknown names are an error; the supported
// set is fixed.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none", "":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "gzip":
		return CodecGzip, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("unsupported codec %q", s)
	}
}

// CompressionCodecs returns the codecs usable by compression strategies,
// i.e. everything except CodecNone.
func CompressionCodecs() []Codec {
	return []Codec{CodecSnappy, CodecGzip, CodecLZ4, CodecZstd}
}
