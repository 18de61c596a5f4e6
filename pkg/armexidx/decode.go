package armexidx

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/cinit/libunwindstack/pkg/dwarf/leb128"
	"github.com/cinit/libunwindstack/pkg/dwarf/regnum"
	"github.com/cinit/libunwindstack/pkg/memory"
)

const opFinish = 0xb0

// MaxInstructions bounds the number of opcodes decoded for one frame.
const MaxInstructions = 1024

// Registers is the ARM register file, r0 to r15.
type Registers interface {
	Get(num uint64) uint64
	Set(num uint64, v uint64)
}

// Restore records where one register was reloaded from.
type Restore struct {
	Reg  uint64
	Addr uint64
}

// machine is the state of the virtual unwinder while decoding opcodes.
type machine struct {
	ops   []byte
	pos   int
	vsp   uint64
	regs  Registers
	mem   memory.Memory
	order binary.ByteOrder

	pcSet    bool
	restored []Restore
	finished bool
}

func (m *machine) errorf(format string, args ...interface{}) error {
	return &DecodeError{Addr: uint64(m.pos), Reason: fmt.Sprintf(format, args...)}
}

func (m *machine) next() (byte, error) {
	if m.pos >= len(m.ops) {
		return 0, m.errorf("truncated opcode")
	}
	b := m.ops[m.pos]
	m.pos++
	return b, nil
}

func (m *machine) ReadByte() (byte, error) {
	return m.next()
}

func (m *machine) pop(reg uint64) error {
	v, err := memory.ReadUint(m.mem, m.vsp, 4, m.order)
	if err != nil {
		return err
	}
	m.regs.Set(reg, v)
	m.restored = append(m.restored, Restore{Reg: reg, Addr: m.vsp})
	m.vsp = (m.vsp + 4) & 0xffffffff
	return nil
}

// popMask pops the registers of mask in ascending order, bit n stands
// for register n.
func (m *machine) popMask(mask uint16) error {
	for reg := uint64(0); reg < 16; reg++ {
		if mask&(1<<reg) == 0 {
			continue
		}
		if err := m.pop(reg); err != nil {
			return err
		}
	}
	if mask&(1<<regnum.ARM_SP) != 0 {
		m.vsp = m.regs.Get(regnum.ARM_SP)
	}
	if mask&(1<<regnum.ARM_PC) != 0 {
		m.pcSet = true
	}
	return nil
}

func (m *machine) skip(n uint64) {
	m.vsp = (m.vsp + n) & 0xffffffff
}

// decode executes one opcode.
func (m *machine) decode() error {
	b, err := m.next()
	if err != nil {
		return err
	}
	switch {
	case b&0xc0 == 0x00:
		// 00xxxxxx: vsp = vsp + (xxxxxx << 2) + 4
		m.skip(uint64(b&0x3f)<<2 + 4)
	case b&0xc0 == 0x40:
		// 01xxxxxx: vsp = vsp - (xxxxxx << 2) - 4
		m.vsp = (m.vsp - (uint64(b&0x3f)<<2 + 4)) & 0xffffffff
	case b&0xf0 == 0x80:
		b2, err := m.next()
		if err != nil {
			return err
		}
		mask := uint16(b&0x0f)<<12 | uint16(b2)<<4
		if mask == 0 {
			// 10000000 00000000: refuse to unwind
			m.finished = true
			return errRefuse
		}
		// 1000iiii iiiiiiii: pop up to 12 integer registers under masks {r15-r12}, {r11-r4}
		return m.popMask(mask)
	case b&0xf0 == 0x90:
		// 1001nnnn: set vsp = r[nnnn], 13 and 15 are reserved
		n := uint64(b & 0x0f)
		if n == regnum.ARM_SP || n == regnum.ARM_PC {
			return m.errorf("reserved opcode %#x", b)
		}
		m.vsp = m.regs.Get(n)
	case b&0xf0 == 0xa0:
		// 10100nnn: pop r4-r[4+nnn], 10101nnn: pop r4-r[4+nnn], r14
		var mask uint16
		for reg := uint(4); reg <= 4+uint(b&0x07); reg++ {
			mask |= 1 << reg
		}
		if b&0x08 != 0 {
			mask |= 1 << regnum.ARM_LR
		}
		return m.popMask(mask)
	case b == opFinish:
		m.finished = true
	case b == 0xb1:
		b2, err := m.next()
		if err != nil {
			return err
		}
		// 10110001 0000iiii: pop integer registers under mask {r3, r2, r1, r0}
		if b2 == 0 || b2&0xf0 != 0 {
			return m.errorf("spare opcode %#x %#x", b, b2)
		}
		return m.popMask(uint16(b2))
	case b == 0xb2:
		// 10110010 uleb128: vsp = vsp + 0x204 + (uleb128 << 2)
		n, _, err := leb128.DecodeUnsigned(m)
		if err != nil {
			return m.errorf("%v", err)
		}
		m.skip(0x204 + n<<2)
	case b == 0xb3:
		// 10110011 sssscccc: pop VFP double-precision registers saved by FSTMFDX
		b2, err := m.next()
		if err != nil {
			return err
		}
		m.skip(uint64(b2&0x0f)*8 + 12)
	case b&0xfc == 0xb4:
		// 101101nn: spare
		return m.errorf("spare opcode %#x", b)
	case b&0xf8 == 0xb8:
		// 10111nnn: pop VFP D[8]-D[8+nnn] saved by FSTMFDX
		m.skip(uint64(b&0x07)*8 + 12)
	case b == 0xc6:
		// 11000110 sssscccc: pop iwmmxt wR[ssss]-wR[ssss+cccc]
		b2, err := m.next()
		if err != nil {
			return err
		}
		m.skip(uint64(b2&0x0f)*8 + 8)
	case b == 0xc7:
		// 11000111 0000iiii: pop iwmmxt wCGR registers under mask
		b2, err := m.next()
		if err != nil {
			return err
		}
		if b2 == 0 || b2&0xf0 != 0 {
			return m.errorf("spare opcode %#x %#x", b, b2)
		}
		m.skip(uint64(bits.OnesCount8(b2)) * 4)
	case b&0xf8 == 0xc0:
		// 11000nnn: pop iwmmxt wR[10]-wR[10+nnn]
		m.skip(uint64(b&0x07)*8 + 8)
	case b == 0xc8 || b == 0xc9:
		// 1100100x sssscccc: pop VFP double-precision registers saved by VPUSH
		b2, err := m.next()
		if err != nil {
			return err
		}
		m.skip(uint64(b2&0x0f)*8 + 8)
	case b&0xf8 == 0xc8:
		// 11001yyy: spare
		return m.errorf("spare opcode %#x", b)
	case b&0xf8 == 0xd0:
		// 11010nnn: pop VFP D[8]-D[8+nnn] saved by VPUSH
		m.skip(uint64(b&0x07)*8 + 8)
	default:
		// 11xxxyyy: spare
		return m.errorf("spare opcode %#x", b)
	}
	return nil
}

// errRefuse stops decoding of entries that refuse to unwind.
var errRefuse = fmt.Errorf("refuse to unwind: %w", ErrMalformed)

// Program is the result of running an opcode sequence.
type Program struct {
	CFA      uint64
	PCSet    bool
	Restored []Restore
}

// Run decodes ops starting with vsp = sp. Register values are loaded into
// regs as they are popped.
func Run(ops []byte, sp uint64, regs Registers, mem memory.Memory, order binary.ByteOrder) (Program, error) {
	if order == nil {
		order = binary.LittleEndian
	}
	m := &machine{ops: ops, vsp: sp, regs: regs, mem: mem, order: order}
	for steps := 0; !m.finished; steps++ {
		if steps >= MaxInstructions {
			return Program{}, m.errorf("instruction budget exhausted")
		}
		if err := m.decode(); err != nil {
			return Program{}, err
		}
	}
	return Program{CFA: m.vsp, PCSet: m.pcSet, Restored: m.restored}, nil
}

// Eval runs ops against regs and completes the step: the stack pointer
// becomes the final vsp and, unless popped, the PC is taken from LR.
func Eval(ops []byte, regs Registers, mem memory.Memory, order binary.ByteOrder) (finished bool, err error) {
	prog, err := Run(ops, regs.Get(regnum.ARM_SP), regs, mem, order)
	if err == errRefuse {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !prog.PCSet {
		regs.Set(regnum.ARM_PC, regs.Get(regnum.ARM_LR))
	}
	regs.Set(regnum.ARM_SP, prog.CFA)
	return regs.Get(regnum.ARM_PC) == 0, nil
}
