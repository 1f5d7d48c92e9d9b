package wire

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// MaxDecompressed caps the declared size of a compressed envelope.
const MaxDecompressed = 1 << 24

// Decompress expands a compressed frame payload: a u32 uncompressed length
// followed by a single LZ4 block.
func Decompress(payload []byte) ([]byte, error) {
	size, off, err := ReadU32(payload, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if size > MaxDecompressed {
		return nil, fmt.Errorf("%w: declared size %d too large", ErrDecompression, size)
	}
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(payload[off:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrDecompression, n, size)
	}
	return out, nil
}

// Compress is the mirror of Decompress.
func Compress(data []byte) ([]byte, error) {
	w := NewWriter(lz4.CompressBlockBound(len(data)) + 4)
	w.U32(uint32(len(data)))
	if len(data) == 0 {
		return w.Bytes(), nil
	}
	block := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, block, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: compress: %w", err)
	}
	if n == 0 {
		// incompressible input, emit a literal-only block
		w.Raw(literalBlock(data)...)
		return w.Bytes(), nil
	}
	w.Raw(block[:n]...)
	return w.Bytes(), nil
}

func literalBlock(src []byte) []byte {
	n := len(src)
	out := make([]byte, 0, n+n/255+2)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xf0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, src...)
}
