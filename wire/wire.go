// Package wire implements the primitive binary codec used by game frames.
// All fixed-width values are little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

var (
	ErrTruncated       = errors.New("wire: truncated buffer")
	ErrVarintOverflow  = errors.New("wire: varint overflow")
	ErrInvalidEncoding = errors.New("wire: invalid utf-8")
	ErrDecompression   = errors.New("wire: decompression failed")
)

// maxVarintGroups bounds a varint to the 32-bit value space.
const maxVarintGroups = 5

func need(buf []byte, off, n int) error {
	if off < 0 || n > len(buf)-off {
		have := len(buf) - off
		if have < 0 {
			have = 0
		}
		return fmt.Errorf("%w: need %d at offset %d, have %d", ErrTruncated, n, off, have)
	}
	return nil
}

func ReadU8(buf []byte, off int) (uint8, int, error) {
	if err := need(buf, off, 1); err != nil {
		return 0, off, err
	}
	return buf[off], off + 1, nil
}

func ReadU16(buf []byte, off int) (uint16, int, error) {
	if err := need(buf, off, 2); err != nil {
		return 0, off, err
	}
	return binary.LittleEndian.Uint16(buf[off:]), off + 2, nil
}

func ReadU32(buf []byte, off int) (uint32, int, error) {
	if err := need(buf, off, 4); err != nil {
		return 0, off, err
	}
	return binary.LittleEndian.Uint32(buf[off:]), off + 4, nil
}

func ReadI32(buf []byte, off int) (int32, int, error) {
	v, next, err := ReadU32(buf, off)
	return int32(v), next, err
}

func ReadF32(buf []byte, off int) (float32, int, error) {
	v, next, err := ReadU32(buf, off)
	return math.Float32frombits(v), next, err
}

func ReadF64(buf []byte, off int) (float64, int, error) {
	if err := need(buf, off, 8); err != nil {
		return 0, off, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:])), off + 8, nil
}

// ReadVarUint reads an unsigned LEB128 value of at most five 7-bit groups.
func ReadVarUint(buf []byte, off int) (uint32, int, error) {
	start := off
	var v uint32
	for i := 0; i < maxVarintGroups; i++ {
		if err := need(buf, off, 1); err != nil {
			return 0, start, err
		}
		b := buf[off]
		off++
		// the fifth group only has room for bits 28..31
		if i == maxVarintGroups-1 && b&0x70 != 0 {
			return 0, start, fmt.Errorf("%w at offset %d", ErrVarintOverflow, start)
		}
		v |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, off, nil
		}
	}
	return 0, start, fmt.Errorf("%w at offset %d", ErrVarintOverflow, start)
}

func readRaw(buf []byte, off int) ([]byte, int, error) {
	n, next, err := ReadVarUint(buf, off)
	if err != nil {
		return nil, off, err
	}
	if err := need(buf, next, int(n)); err != nil {
		return nil, off, err
	}
	return buf[next : next+int(n)], next + int(n), nil
}

// ReadString reads a varint length-prefixed UTF-8 string. Malformed
// sequences are replaced with U+FFFD instead of failing the frame.
func ReadString(buf []byte, off int) (string, int, error) {
	raw, next, err := readRaw(buf, off)
	if err != nil {
		return "", off, err
	}
	if utf8.Valid(raw) {
		return string(raw), next, nil
	}
	fixed, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return "", off, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return string(fixed), next, nil
}

// ReadStringStrict is ReadString without the replacement policy.
func ReadStringStrict(buf []byte, off int) (string, int, error) {
	raw, next, err := readRaw(buf, off)
	if err != nil {
		return "", off, err
	}
	if !utf8.Valid(raw) {
		return "", off, fmt.Errorf("%w at offset %d", ErrInvalidEncoding, off)
	}
	return string(raw), next, nil
}

// ReadZString reads a NUL-terminated UTF-8 string.
func ReadZString(buf []byte, off int) (string, int, error) {
	if err := need(buf, off, 1); err != nil {
		return "", off, err
	}
	for i := off; i < len(buf); i++ {
		if buf[i] == 0 {
			raw := buf[off:i]
			if !utf8.Valid(raw) {
				fixed, _ := unicode.UTF8.NewDecoder().Bytes(raw)
				return string(fixed), i + 1, nil
			}
			return string(raw), i + 1, nil
		}
	}
	return "", off, fmt.Errorf("%w: unterminated string at offset %d", ErrTruncated, off)
}
