// Package compress provides the block codecs used by table files. A
// one-byte codec ID is stored in each block trailer so readers can
// decode blocks written under a different configuration.
package compress

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Type identifies a block codec. Values are persisted on disk.
type Type uint8

const (
	None   Type = 0
	Snappy Type = 1
	Zstd   Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("compress: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("compress: zstd decoder: %v", err))
	}
}

// Encode compresses src with codec t. The output starts at the
// beginning of dst's storage when that is large enough; it does not
// append to dst's contents. It returns the compressed bytes and true,
// or nil and false when t is None or the codec is unknown.
func Encode(t Type, dst, src []byte) ([]byte, bool) {
	switch t {
	case Snappy:
		return snappy.Encode(dst, src), true
	case Zstd:
		return zstdEncoder.EncodeAll(src, dst[:0]), true
	default:
		return nil, false
	}
}

// Decode decompresses src written with codec t.
func Decode(t Type, src []byte) ([]byte, error) {
	switch t {
	case None:
		return src, nil
	case Snappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("compress: snappy: %w", err)
		}
		return out, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("compress: zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compress: unknown codec %d", uint8(t))
	}
}
