package leb128

import (
	"errors"
	"io"
)

// ErrOverflow is returned for encodings longer than ten bytes.
var ErrOverflow = errors.New("leb128 value overflows 64 bits")

// ErrTruncated is returned when the input ends inside a value.
var ErrTruncated = errors.New("truncated leb128 value")

// DecodeUnsigned decodes an unsigned Little Endian Base 128
// represented number.
func DecodeUnsigned(buf io.ByteReader) (uint64, uint32, error) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	for {
		b, err := buf.ReadByte()
		if err != nil {
			return 0, length, ErrTruncated
		}
		length++
		if length > 10 {
			return 0, length, ErrOverflow
		}

		result |= uint64(b&0x7f) << shift

		// If high order bit is 1.
		if b&0x80 == 0 {
			break
		}

		shift += 7
	}

	return result, length, nil
}

// DecodeSigned decodes a signed Little Endian Base 128
// represented number.
func DecodeSigned(buf io.ByteReader) (int64, uint32, error) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	for {
		b, err = buf.ReadByte()
		if err != nil {
			return 0, length, ErrTruncated
		}
		length++
		if length > 10 {
			return 0, length, ErrOverflow
		}

		result |= (int64(b) & 0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if (shift < 64) && (b&0x40 > 0) {
		result |= -(1 << shift)
	}

	return result, length, nil
}
