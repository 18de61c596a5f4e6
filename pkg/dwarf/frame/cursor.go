package frame

import (
	"encoding/binary"
	"errors"

	"github.com/cinit/libunwindstack/pkg/dwarf/leb128"
)

var errCursorEOF = errors.New("unexpected end of data")

// cursor decodes a byte slice copied out of a CFI section. base is the
// virtual address of buf[0] and off its section offset, they are needed
// for pc-relative pointers and error reporting.
type cursor struct {
	buf     []byte
	pos     int
	base    uint64
	off     uint64
	order   binary.ByteOrder
	ptrSize int

	// bases for textrel and datarel pointers, 0 if unknown
	textAddr, dataAddr uint64
	// start of the current function for funcrel pointers
	funcAddr uint64
}

func (c *cursor) len() int {
	return len(c.buf) - c.pos
}

func (c *cursor) at() uint64 {
	return c.off + uint64(c.pos)
}

func (c *cursor) errorf(format string, args ...interface{}) error {
	return cfiErrorf(c.at(), format, args...)
}

func (c *cursor) ReadByte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, errCursorEOF
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) next(n uint64) ([]byte, error) {
	if n > uint64(c.len()) {
		return nil, c.errorf("block of %d bytes past end of entry", n)
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.ReadByte()
	if err != nil {
		return 0, c.errorf("truncated")
	}
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.next(2)
	if err != nil {
		return 0, err
	}
	return c.order.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.next(8)
	if err != nil {
		return 0, err
	}
	return c.order.Uint64(b), nil
}

func (c *cursor) uleb() (uint64, error) {
	v, _, err := leb128.DecodeUnsigned(c)
	if err != nil {
		return 0, c.errorf("%v", err)
	}
	return v, nil
}

func (c *cursor) sleb() (int64, error) {
	v, _, err := leb128.DecodeSigned(c)
	if err != nil {
		return 0, c.errorf("%v", err)
	}
	return v, nil
}

func (c *cursor) cstring() (string, error) {
	for i := c.pos; i < len(c.buf); i++ {
		if c.buf[i] == 0 {
			s := string(c.buf[c.pos:i])
			c.pos = i + 1
			return s, nil
		}
	}
	return "", c.errorf("unterminated string")
}

// ptr reads a target address.
func (c *cursor) ptr() (uint64, error) {
	if c.ptrSize == 4 {
		v, err := c.u32()
		return uint64(v), err
	}
	return c.u64()
}

// encoded reads a pointer stored with encoding enc.
func (c *cursor) encoded(enc ptrEnc) (uint64, error) {
	if enc == ptrEncOmit {
		return 0, nil
	}
	if !enc.Supported() {
		return 0, c.errorf("unsupported pointer encoding %#x", uint8(enc))
	}

	var base uint64
	switch enc & ptrEncFlagsMask {
	case ptrEncPCRel:
		base = c.base + uint64(c.pos)
	case ptrEncTextRel:
		if c.textAddr == 0 {
			return 0, c.errorf("textrel pointer without a text base")
		}
		base = c.textAddr
	case ptrEncDataRel:
		if c.dataAddr == 0 {
			return 0, c.errorf("datarel pointer without a data base")
		}
		base = c.dataAddr
	case ptrEncFuncRel:
		base = c.funcAddr
	case ptrEncAligned:
		addr := c.base + uint64(c.pos)
		size := uint64(c.ptrSize)
		if rem := addr % size; rem != 0 {
			if _, err := c.next(size - rem); err != nil {
				return 0, err
			}
		}
	}

	var (
		v   uint64
		err error
	)
	switch enc & ptrEncFormatMask {
	case ptrEncAbs:
		v, err = c.ptr()
	case ptrEncUleb:
		v, err = c.uleb()
	case ptrEncUdata2:
		var x uint16
		x, err = c.u16()
		v = uint64(x)
	case ptrEncUdata4:
		var x uint32
		x, err = c.u32()
		v = uint64(x)
	case ptrEncUdata8:
		v, err = c.u64()
	case ptrEncSigned:
		if c.ptrSize == 4 {
			var x uint32
			x, err = c.u32()
			v = uint64(int64(int32(x)))
		} else {
			v, err = c.u64()
		}
	case ptrEncSleb:
		var x int64
		x, err = c.sleb()
		v = uint64(x)
	case ptrEncSdata2:
		var x uint16
		x, err = c.u16()
		v = uint64(int64(int16(x)))
	case ptrEncSdata4:
		var x uint32
		x, err = c.u32()
		v = uint64(int64(int32(x)))
	case ptrEncSdata8:
		v, err = c.u64()
	}
	if err != nil {
		return 0, err
	}
	v += base
	if c.ptrSize == 4 {
		v &= 0xffffffff
	}
	return v, nil
}
