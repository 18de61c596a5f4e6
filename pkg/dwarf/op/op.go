// Package op evaluates the DWARF stack programs found in call frame
// information: DW_CFA_def_cfa_expression, DW_CFA_expression and
// DW_CFA_val_expression operands.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cinit/libunwindstack/pkg/dwarf/leb128"
	"github.com/cinit/libunwindstack/pkg/memory"
)

const (
	// MaxStackDepth bounds the number of values on the evaluation stack.
	MaxStackDepth = 1000
	// MaxInstructions bounds the number of executed operations, branches
	// included, so that a looping program terminates.
	MaxInstructions = 1000
)

// ErrInvalidExpression is the cause of every evaluation failure not caused
// by a memory read.
var ErrInvalidExpression = errors.New("invalid DWARF expression")

// ExpressionError describes where a stack program failed.
type ExpressionError struct {
	Off    int64
	Op     Opcode
	Reason string
}

func (err *ExpressionError) Error() string {
	return fmt.Sprintf("%v at offset %#x: %s", err.Op, err.Off, err.Reason)
}

func (err *ExpressionError) Is(target error) bool {
	return target == ErrInvalidExpression
}

// Registers is the register file a stack program reads from.
type Registers interface {
	Get(num uint64) uint64
	Total() int
}

// Env is everything a stack program can observe.
type Env struct {
	Regs      Registers
	Mem       memory.Memory
	PtrSize   int
	ByteOrder binary.ByteOrder
}

type stackfn func(Opcode, *context) error

type context struct {
	buf   *bytes.Reader
	stack []uint64
	mask  uint64
	op    Opcode
	off   int64

	Env
}

// ExecuteStackProgram executes a DWARF expression and returns the value
// left on top of the stack. The values in initial are pushed before the
// first instruction runs, DW_CFA_expression rules start with the CFA.
func ExecuteStackProgram(env Env, instructions []byte, initial ...uint64) (uint64, error) {
	if env.ByteOrder == nil {
		env.ByteOrder = binary.LittleEndian
	}
	if env.PtrSize != 4 && env.PtrSize != 8 {
		return 0, &ExpressionError{Reason: fmt.Sprintf("unsupported pointer size %d", env.PtrSize)}
	}
	ctxt := &context{
		buf:   bytes.NewReader(instructions),
		stack: make([]uint64, 0, 4),
		mask:  ^uint64(0),
		Env:   env,
	}
	if env.PtrSize == 4 {
		ctxt.mask = 0xffffffff
	}
	for _, v := range initial {
		ctxt.push(v)
	}

	for steps := 0; ctxt.buf.Len() > 0; steps++ {
		ctxt.off = ctxt.buf.Size() - int64(ctxt.buf.Len())
		opcodeByte, _ := ctxt.buf.ReadByte()
		ctxt.op = Opcode(opcodeByte)
		if steps >= MaxInstructions {
			return 0, ctxt.errorf("instruction budget exhausted")
		}
		fn := lookup(ctxt.op)
		if fn == nil {
			return 0, ctxt.errorf("invalid instruction")
		}
		if err := fn(ctxt.op, ctxt); err != nil {
			return 0, err
		}
		if len(ctxt.stack) > MaxStackDepth {
			return 0, ctxt.errorf("stack overflow")
		}
	}

	if len(ctxt.stack) == 0 {
		return 0, ctxt.errorf("empty OP stack")
	}
	return ctxt.stack[len(ctxt.stack)-1], nil
}

var oplut = map[Opcode]stackfn{
	DW_OP_addr:        addr,
	DW_OP_deref:       deref,
	DW_OP_deref_size:  deref,
	DW_OP_const1u:     constant,
	DW_OP_const1s:     constant,
	DW_OP_const2u:     constant,
	DW_OP_const2s:     constant,
	DW_OP_const4u:     constant,
	DW_OP_const4s:     constant,
	DW_OP_const8u:     constant,
	DW_OP_const8s:     constant,
	DW_OP_constu:      constant,
	DW_OP_consts:      constant,
	DW_OP_dup:         stackop,
	DW_OP_drop:        stackop,
	DW_OP_over:        stackop,
	DW_OP_pick:        stackop,
	DW_OP_swap:        stackop,
	DW_OP_rot:         stackop,
	DW_OP_abs:         unary,
	DW_OP_neg:         unary,
	DW_OP_not:         unary,
	DW_OP_plus_uconst: plusuconst,
	DW_OP_and:         binaryop,
	DW_OP_div:         binaryop,
	DW_OP_minus:       binaryop,
	DW_OP_mod:         binaryop,
	DW_OP_mul:         binaryop,
	DW_OP_or:          binaryop,
	DW_OP_plus:        binaryop,
	DW_OP_shl:         binaryop,
	DW_OP_shr:         binaryop,
	DW_OP_shra:        binaryop,
	DW_OP_xor:         binaryop,
	DW_OP_eq:          binaryop,
	DW_OP_ge:          binaryop,
	DW_OP_gt:          binaryop,
	DW_OP_le:          binaryop,
	DW_OP_lt:          binaryop,
	DW_OP_ne:          binaryop,
	DW_OP_skip:        branch,
	DW_OP_bra:         branch,
	DW_OP_regx:        register,
	DW_OP_bregx:       register,
	DW_OP_nop:         func(Opcode, *context) error { return nil },
}

func lookup(opcode Opcode) stackfn {
	switch {
	case opcode >= DW_OP_lit0 && opcode <= DW_OP_lit31:
		return literal
	case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
		return register
	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		return register
	}
	return oplut[opcode]
}

func (ctxt *context) errorf(format string, args ...interface{}) error {
	return &ExpressionError{Off: ctxt.off, Op: ctxt.op, Reason: fmt.Sprintf(format, args...)}
}

func (ctxt *context) push(v uint64) {
	ctxt.stack = append(ctxt.stack, v&ctxt.mask)
}

func (ctxt *context) pop() (uint64, error) {
	if len(ctxt.stack) == 0 {
		return 0, ctxt.errorf("stack underflow")
	}
	v := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return v, nil
}

func (ctxt *context) need(n int) error {
	if len(ctxt.stack) < n {
		return ctxt.errorf("stack underflow")
	}
	return nil
}

// signed interprets v as a two's complement number of the address width.
func (ctxt *context) signed(v uint64) int64 {
	if ctxt.PtrSize == 4 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}

func (ctxt *context) operand(size int, signed bool) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(ctxt.buf, buf[:size]); err != nil {
		return 0, ctxt.errorf("truncated operand")
	}
	switch size {
	case 1:
		if signed {
			return uint64(int8(buf[0])), nil
		}
		return uint64(buf[0]), nil
	case 2:
		v := ctxt.ByteOrder.Uint16(buf[:])
		if signed {
			return uint64(int16(v)), nil
		}
		return uint64(v), nil
	case 4:
		v := ctxt.ByteOrder.Uint32(buf[:])
		if signed {
			return uint64(int32(v)), nil
		}
		return uint64(v), nil
	default:
		return ctxt.ByteOrder.Uint64(buf[:]), nil
	}
}

func (ctxt *context) uleb() (uint64, error) {
	v, _, err := leb128.DecodeUnsigned(ctxt.buf)
	if err != nil {
		return 0, ctxt.errorf("%v", err)
	}
	return v, nil
}

func (ctxt *context) sleb() (int64, error) {
	v, _, err := leb128.DecodeSigned(ctxt.buf)
	if err != nil {
		return 0, ctxt.errorf("%v", err)
	}
	return v, nil
}

func addr(opcode Opcode, ctxt *context) error {
	v, err := ctxt.operand(ctxt.PtrSize, false)
	if err != nil {
		return err
	}
	ctxt.push(v)
	return nil
}

func deref(opcode Opcode, ctxt *context) error {
	size := ctxt.PtrSize
	if opcode == DW_OP_deref_size {
		sz, err := ctxt.operand(1, false)
		if err != nil {
			return err
		}
		if sz == 0 || sz > uint64(ctxt.PtrSize) || (sz != 1 && sz != 2 && sz != 4 && sz != 8) {
			return ctxt.errorf("bad deref size %d", sz)
		}
		size = int(sz)
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	if ctxt.Mem == nil {
		return ctxt.errorf("no memory to dereference %#x", a)
	}
	v, err := memory.ReadUint(ctxt.Mem, a, size, ctxt.ByteOrder)
	if err != nil {
		return fmt.Errorf("%v at offset %#x: %w", opcode, ctxt.off, err)
	}
	ctxt.push(v)
	return nil
}

func constant(opcode Opcode, ctxt *context) error {
	var (
		v   uint64
		err error
	)
	switch opcode {
	case DW_OP_const1u, DW_OP_const1s:
		v, err = ctxt.operand(1, opcode == DW_OP_const1s)
	case DW_OP_const2u, DW_OP_const2s:
		v, err = ctxt.operand(2, opcode == DW_OP_const2s)
	case DW_OP_const4u, DW_OP_const4s:
		v, err = ctxt.operand(4, opcode == DW_OP_const4s)
	case DW_OP_const8u, DW_OP_const8s:
		v, err = ctxt.operand(8, false)
	case DW_OP_constu:
		v, err = ctxt.uleb()
	case DW_OP_consts:
		var n int64
		n, err = ctxt.sleb()
		v = uint64(n)
	}
	if err != nil {
		return err
	}
	ctxt.push(v)
	return nil
}

func literal(opcode Opcode, ctxt *context) error {
	ctxt.push(uint64(opcode - DW_OP_lit0))
	return nil
}

func stackop(opcode Opcode, ctxt *context) error {
	n := len(ctxt.stack)
	switch opcode {
	case DW_OP_dup:
		if err := ctxt.need(1); err != nil {
			return err
		}
		ctxt.push(ctxt.stack[n-1])
	case DW_OP_drop:
		_, err := ctxt.pop()
		return err
	case DW_OP_over:
		if err := ctxt.need(2); err != nil {
			return err
		}
		ctxt.push(ctxt.stack[n-2])
	case DW_OP_pick:
		idx, err := ctxt.operand(1, false)
		if err != nil {
			return err
		}
		if idx >= uint64(n) {
			return ctxt.errorf("pick index %d out of range", idx)
		}
		ctxt.push(ctxt.stack[n-1-int(idx)])
	case DW_OP_swap:
		if err := ctxt.need(2); err != nil {
			return err
		}
		ctxt.stack[n-1], ctxt.stack[n-2] = ctxt.stack[n-2], ctxt.stack[n-1]
	case DW_OP_rot:
		if err := ctxt.need(3); err != nil {
			return err
		}
		top := ctxt.stack[n-1]
		ctxt.stack[n-1] = ctxt.stack[n-2]
		ctxt.stack[n-2] = ctxt.stack[n-3]
		ctxt.stack[n-3] = top
	}
	return nil
}

func unary(opcode Opcode, ctxt *context) error {
	v, err := ctxt.pop()
	if err != nil {
		return err
	}
	switch opcode {
	case DW_OP_abs:
		if s := ctxt.signed(v); s < 0 {
			v = uint64(-s)
		}
	case DW_OP_neg:
		v = uint64(-ctxt.signed(v))
	case DW_OP_not:
		v = ^v
	}
	ctxt.push(v)
	return nil
}

func plusuconst(opcode Opcode, ctxt *context) error {
	v, err := ctxt.pop()
	if err != nil {
		return err
	}
	n, err := ctxt.uleb()
	if err != nil {
		return err
	}
	ctxt.push(v + n)
	return nil
}

func boolval(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func binaryop(opcode Opcode, ctxt *context) error {
	if err := ctxt.need(2); err != nil {
		return err
	}
	b, _ := ctxt.pop()
	a, _ := ctxt.pop()
	sa, sb := ctxt.signed(a), ctxt.signed(b)
	var r uint64
	switch opcode {
	case DW_OP_and:
		r = a & b
	case DW_OP_or:
		r = a | b
	case DW_OP_xor:
		r = a ^ b
	case DW_OP_plus:
		r = a + b
	case DW_OP_minus:
		r = a - b
	case DW_OP_mul:
		r = a * b
	case DW_OP_div:
		if sb == 0 {
			return ctxt.errorf("division by zero")
		}
		r = uint64(sa / sb)
	case DW_OP_mod:
		if b == 0 {
			return ctxt.errorf("division by zero")
		}
		r = a % b
	case DW_OP_shl:
		r = a << b
	case DW_OP_shr:
		r = a >> b
	case DW_OP_shra:
		r = uint64(sa >> b)
	case DW_OP_eq:
		r = boolval(sa == sb)
	case DW_OP_ge:
		r = boolval(sa >= sb)
	case DW_OP_gt:
		r = boolval(sa > sb)
	case DW_OP_le:
		r = boolval(sa <= sb)
	case DW_OP_lt:
		r = boolval(sa < sb)
	case DW_OP_ne:
		r = boolval(sa != sb)
	}
	ctxt.push(r)
	return nil
}

func branch(opcode Opcode, ctxt *context) error {
	off, err := ctxt.operand(2, true)
	if err != nil {
		return err
	}
	if opcode == DW_OP_bra {
		v, err := ctxt.pop()
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
	}
	cur := ctxt.buf.Size() - int64(ctxt.buf.Len())
	target := cur + int64(int16(off))
	if target < 0 || target > ctxt.buf.Size() {
		return ctxt.errorf("branch target %d out of range", target)
	}
	ctxt.buf.Seek(target, io.SeekStart)
	return nil
}

func register(opcode Opcode, ctxt *context) error {
	var (
		num     uint64
		offset  int64
		err     error
		isValue bool
	)
	switch {
	case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
		num, isValue = uint64(opcode-DW_OP_reg0), true
	case opcode == DW_OP_regx:
		num, err = ctxt.uleb()
		isValue = true
	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		num = uint64(opcode - DW_OP_breg0)
		offset, err = ctxt.sleb()
	case opcode == DW_OP_bregx:
		num, err = ctxt.uleb()
		if err == nil {
			offset, err = ctxt.sleb()
		}
	}
	if err != nil {
		return err
	}
	if ctxt.Regs == nil || num >= uint64(ctxt.Regs.Total()) {
		return ctxt.errorf("register %d out of range", num)
	}
	v := ctxt.Regs.Get(num)
	if !isValue {
		v += uint64(offset)
	}
	ctxt.push(v)
	return nil
}
