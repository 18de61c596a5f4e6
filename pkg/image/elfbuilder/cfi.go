package elfbuilder

import (
	"bytes"
	"encoding/binary"
)

const (
	cfaNop     = 0x00
	cfaDefCFA  = 0x0c
	cfaOffset  = 0x80
	cfaAdvance = 0x40
	cfaDefOff  = 0x0e
)

// EhFrame is an .eh_frame section holding version 1 "zR" CIEs with pcrel
// sdata4 addresses.
type EhFrame struct {
	addr uint64
	buf  bytes.Buffer
}

// NewEhFrame returns an empty .eh_frame loaded at addr.
func NewEhFrame(addr uint64) *EhFrame {
	return &EhFrame{addr: addr}
}

func (f *EhFrame) entry(body []byte) uint64 {
	off := uint64(f.buf.Len())
	for len(body)%4 != 0 {
		body = append(body, cfaNop)
	}
	binary.Write(&f.buf, le, uint32(len(body)))
	f.buf.Write(body)
	return off
}

// CIE adds a CIE with the given alignment factors, return address
// register and initial instructions, and returns its offset.
func (f *EhFrame) CIE(dataAlign int8, ra byte, instr ...byte) uint64 {
	body := []byte{0, 0, 0, 0, 1, 'z', 'R', 0, 1, byte(dataAlign) & 0x7f, ra, 1, 0x1b}
	return f.entry(append(body, instr...))
}

// FDE adds an FDE for [begin, begin+size) using the CIE at cie.
func (f *EhFrame) FDE(cie, begin, size uint64, instr ...byte) uint64 {
	off := uint64(f.buf.Len())
	var body bytes.Buffer
	binary.Write(&body, le, uint32(off+4-cie))
	binary.Write(&body, le, int32(int64(begin)-int64(f.addr+off+8)))
	binary.Write(&body, le, uint32(size))
	body.WriteByte(0)
	body.Write(instr)
	f.entry(body.Bytes())
	return off
}

// Bytes returns the section contents.
func (f *EhFrame) Bytes() []byte {
	return f.buf.Bytes()
}

// AMD64Frame returns an .eh_frame at addr describing [begin, begin+size)
// as a frame with the return address at the top of the stack:
// cfa = rsp+8, rip = [cfa-8].
func AMD64Frame(addr, begin, size uint64) []byte {
	f := NewEhFrame(addr)
	cie := f.CIE(-8, 16, cfaDefCFA, 7, 8, cfaOffset|16, 1)
	f.FDE(cie, begin, size)
	return f.Bytes()
}

// AMD64PushRBPFrame is AMD64Frame for a function whose first byte pushes
// rbp: from begin+1 on cfa = rsp+16 and rbp = [cfa-16].
func AMD64PushRBPFrame(addr, begin, size uint64) []byte {
	f := NewEhFrame(addr)
	cie := f.CIE(-8, 16, cfaDefCFA, 7, 8, cfaOffset|16, 1)
	f.FDE(cie, begin, size, cfaAdvance|1, cfaDefOff, 16, cfaOffset|6, 2)
	return f.Bytes()
}
