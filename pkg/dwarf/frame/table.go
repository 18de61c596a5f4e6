package frame

import (
	"fmt"
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

func (r DWRule) String() string {
	switch r.Rule {
	case RuleUndefined:
		return "undefined"
	case RuleSameVal:
		return "same"
	case RuleOffset:
		return fmt.Sprintf("[cfa%+d]", r.Offset)
	case RuleValOffset:
		return fmt.Sprintf("cfa%+d", r.Offset)
	case RuleRegister:
		return fmt.Sprintf("r%d", r.Reg)
	case RuleExpression:
		return fmt.Sprintf("[expr %x]", r.Expression)
	case RuleValExpression:
		return fmt.Sprintf("expr %x", r.Expression)
	case RuleCFA:
		return fmt.Sprintf("r%d%+d", r.Reg, r.Offset)
	}
	return "?"
}

// FrameContext wrapper of FDE context
type FrameContext struct {
	loc             uint64
	address         uint64
	CFA             DWRule
	Regs            map[uint64]DWRule
	initialRegs     map[uint64]DWRule
	buf             *cursor
	cie             *CommonInformationEntry
	RetAddrReg      uint64
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
	steps           int
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// MaxRememberedStates bounds the depth of DW_CFA_remember_state nesting.
const MaxRememberedStates = 64

// MaxInstructions bounds the number of CFA instructions executed to
// establish one frame, CIE initial instructions included.
const MaxInstructions = 1 << 16

// stateStack is a stack where `DW_CFA_remember_state` pushes
// its CFA and registers state and `DW_CFA_restore_state`
// pops them.
type stateStack struct {
	items []rowState
}

func newStateStack() *stateStack {
	return &stateStack{
		items: make([]rowState, 0),
	}
}

func (stack *stateStack) push(state rowState) bool {
	if len(stack.items) >= MaxRememberedStates {
		return false
	}
	stack.items = append(stack.items, state)
	return true
}

func (stack *stateStack) pop() (rowState, bool) {
	if len(stack.items) == 0 {
		return rowState{}, false
	}
	restored := stack.items[len(stack.items)-1]
	stack.items = stack.items[0 : len(stack.items)-1]
	return restored, true
}

// Instructions used to recreate the table from the .debug_frame data.
const (
	DW_CFA_nop                = 0x0        // No ops
	DW_CFA_set_loc            = 0x01       // op1: address
	DW_CFA_advance_loc1       = iota       // op1: 1-bytes delta
	DW_CFA_advance_loc2                    // op1: 2-byte delta
	DW_CFA_advance_loc4                    // op1: 4-byte delta
	DW_CFA_offset_extended                 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended                // op1: ULEB128 register
	DW_CFA_undefined                       // op1: ULEB128 register
	DW_CFA_same_value                      // op1: ULEB128 register
	DW_CFA_register                        // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state                  // No ops
	DW_CFA_restore_state                   // No ops
	DW_CFA_def_cfa                         // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register                // op1: ULEB128 register
	DW_CFA_def_cfa_offset                  // op1: ULEB128 offset
	DW_CFA_def_cfa_expression              // op1: BLOCK
	DW_CFA_expression                      // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf              // op1: ULEB128 register, op2: SLEB128 BLOCK
	DW_CFA_def_cfa_sf                      // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf               // op1: SLEB128 offset
	DW_CFA_val_offset                      // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                   // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression                  // op1: ULEB128, op2: BLOCK
	DW_CFA_lo_user            = 0x1c       // op1: BLOCK
	DW_CFA_hi_user            = 0x3f       // op1: ULEB128 register, op2: BLOCK
	DW_CFA_advance_loc        = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset             = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore            = (0x3 << 6) // High 2 bits: 0x3, low 6: register

	DW_CFA_AARCH64_negate_ra_state      = 0x2d // No ops
	DW_CFA_GNU_args_size                = 0x2e // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extended = 0x2f // op1: ULEB128 register, op2: ULEB128 offset
)

// Rule rule defined for register values.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleCFA // Value is rule.Reg + rule.Offset
)

const low_6_offset = 0x3f

type instruction func(frame *FrameContext) error

// Mapping from DWARF opcode to function.
var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:                  advanceloc,
	DW_CFA_offset:                       offset,
	DW_CFA_restore:                      restore,
	DW_CFA_set_loc:                      setloc,
	DW_CFA_advance_loc1:                 advanceloc1,
	DW_CFA_advance_loc2:                 advanceloc2,
	DW_CFA_advance_loc4:                 advanceloc4,
	DW_CFA_offset_extended:              offsetextended,
	DW_CFA_restore_extended:             restoreextended,
	DW_CFA_undefined:                    undefined,
	DW_CFA_same_value:                   samevalue,
	DW_CFA_register:                     register,
	DW_CFA_remember_state:               rememberstate,
	DW_CFA_restore_state:                restorestate,
	DW_CFA_def_cfa:                      defcfa,
	DW_CFA_def_cfa_register:             defcfaregister,
	DW_CFA_def_cfa_offset:               defcfaoffset,
	DW_CFA_def_cfa_expression:           defcfaexpression,
	DW_CFA_expression:                   expression,
	DW_CFA_offset_extended_sf:           offsetextendedsf,
	DW_CFA_def_cfa_sf:                   defcfasf,
	DW_CFA_def_cfa_offset_sf:            defcfaoffsetsf,
	DW_CFA_val_offset:                   valoffset,
	DW_CFA_val_offset_sf:                valoffsetsf,
	DW_CFA_val_expression:               valexpression,
	DW_CFA_AARCH64_negate_ra_state:      func(*FrameContext) error { return nil },
	DW_CFA_GNU_args_size:                gnuargssize,
	DW_CFA_GNU_negative_offset_extended: gnunegativeoffsetextended,
}

func newFrameContext(cie *CommonInformationEntry, sec *Section) *FrameContext {
	return &FrameContext{
		cie:             cie,
		Regs:            make(map[uint64]DWRule),
		RetAddrReg:      cie.ReturnAddressRegister,
		codeAlignment:   cie.CodeAlignmentFactor,
		dataAlignment:   cie.DataAlignmentFactor,
		rememberedState: newStateStack(),
		buf:             sec.instructionCursor(cie.InitialInstructions, cie.instrAddr, 0),
	}
}

func (s *Section) instructionCursor(instr []byte, addr, funcAddr uint64) *cursor {
	return &cursor{
		buf:      instr,
		base:     addr,
		off:      addr - s.addr,
		order:    s.order,
		ptrSize:  s.ptrSize,
		textAddr: s.textAddr,
		dataAddr: s.dataAddr,
		funcAddr: funcAddr,
	}
}

func executeCIEInstructions(cie *CommonInformationEntry, sec *Section) (*FrameContext, error) {
	frame := newFrameContext(cie, sec)
	if err := frame.executeDwarfProgram(); err != nil {
		return nil, err
	}
	frame.initialRegs = make(map[uint64]DWRule, len(frame.Regs))
	for k, v := range frame.Regs {
		frame.initialRegs[k] = v
	}
	// remembered states do not carry over from the CIE
	frame.rememberedState = newStateStack()
	return frame, nil
}

// Unwind the stack to find the return address register.
func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) (*FrameContext, error) {
	frame, err := executeCIEInstructions(fde.CIE, fde.section)
	if err != nil {
		return nil, err
	}
	frame.loc = fde.Begin()
	frame.address = pc
	frame.buf = fde.section.instructionCursor(fde.Instructions, fde.instrAddr, fde.Begin())
	if err := frame.ExecuteUntilPC(); err != nil {
		return nil, err
	}
	return frame, nil
}

func (frame *FrameContext) executeDwarfProgram() error {
	for frame.buf.len() > 0 {
		if err := frame.executeDwarfInstruction(); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteUntilPC executes the loaded instructions until the row
// containing the target address is complete.
func (frame *FrameContext) ExecuteUntilPC() error {
	// We only need to execute the instructions until
	// ctx.loc > ctx.address (which is the address we
	// are currently at in the traced process).
	for frame.address >= frame.loc && frame.buf.len() > 0 {
		if err := frame.executeDwarfInstruction(); err != nil {
			return err
		}
	}
	return nil
}

func (frame *FrameContext) executeDwarfInstruction() error {
	frame.steps++
	if frame.steps > MaxInstructions {
		return frame.buf.errorf("instruction budget exhausted")
	}

	instruction, err := frame.buf.ReadByte()
	if err != nil {
		return frame.buf.errorf("truncated instruction stream")
	}

	if instruction == DW_CFA_nop {
		return nil
	}

	fn, err := frame.lookupFunc(instruction)
	if err != nil {
		return err
	}
	return fn(frame)
}

func (frame *FrameContext) lookupFunc(instruction byte) (instruction, error) {
	const high_2_bits = 0xc0
	var restore bool

	// Special case the 3 opcodes that have their argument encoded in the opcode itself.
	switch instruction & high_2_bits {
	case DW_CFA_advance_loc:
		instruction = DW_CFA_advance_loc
		restore = true

	case DW_CFA_offset:
		instruction = DW_CFA_offset
		restore = true

	case DW_CFA_restore:
		instruction = DW_CFA_restore
		restore = true
	}

	if restore {
		// Restore the last byte as it actually contains the argument for the opcode.
		frame.buf.pos--
	}

	fn, ok := fnlookup[instruction]
	if !ok {
		return nil, frame.buf.errorf("unexpected DWARF CFA opcode %#x", instruction)
	}

	return fn, nil
}

func (frame *FrameContext) advance(delta uint64) {
	frame.loc += delta * frame.codeAlignment
}

func advanceloc(frame *FrameContext) error {
	b, _ := frame.buf.u8()
	frame.advance(uint64(b & low_6_offset))
	return nil
}

func advanceloc1(frame *FrameContext) error {
	delta, err := frame.buf.u8()
	if err != nil {
		return err
	}
	frame.advance(uint64(delta))
	return nil
}

func advanceloc2(frame *FrameContext) error {
	delta, err := frame.buf.u16()
	if err != nil {
		return err
	}
	frame.advance(uint64(delta))
	return nil
}

func advanceloc4(frame *FrameContext) error {
	delta, err := frame.buf.u32()
	if err != nil {
		return err
	}
	frame.advance(uint64(delta))
	return nil
}

func setloc(frame *FrameContext) error {
	loc, err := frame.buf.encoded(frame.cie.ptrEncAddr)
	if err != nil {
		return err
	}
	if loc < frame.loc {
		return frame.buf.errorf("DW_CFA_set_loc moves backwards to %#x", loc)
	}
	frame.loc = loc
	return nil
}

func (frame *FrameContext) regAndULEB() (uint64, uint64, error) {
	reg, err := frame.buf.uleb()
	if err != nil {
		return 0, 0, err
	}
	v, err := frame.buf.uleb()
	return reg, v, err
}

func (frame *FrameContext) regAndSLEB() (uint64, int64, error) {
	reg, err := frame.buf.uleb()
	if err != nil {
		return 0, 0, err
	}
	v, err := frame.buf.sleb()
	return reg, v, err
}

func (frame *FrameContext) block() ([]byte, error) {
	l, err := frame.buf.uleb()
	if err != nil {
		return nil, err
	}
	return frame.buf.next(l)
}

func offset(frame *FrameContext) error {
	b, _ := frame.buf.u8()
	offset, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	frame.Regs[uint64(b&low_6_offset)] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func (frame *FrameContext) restoreRule(reg uint64) error {
	if frame.initialRegs == nil {
		return frame.buf.errorf("DW_CFA_restore in CIE instructions")
	}
	if oldrule, ok := frame.initialRegs[reg]; ok {
		frame.Regs[reg] = oldrule
	} else {
		delete(frame.Regs, reg)
	}
	return nil
}

func restore(frame *FrameContext) error {
	b, _ := frame.buf.u8()
	return frame.restoreRule(uint64(b & low_6_offset))
}

func restoreextended(frame *FrameContext) error {
	reg, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	return frame.restoreRule(reg)
}

func offsetextended(frame *FrameContext) error {
	reg, offset, err := frame.regAndULEB()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func offsetextendedsf(frame *FrameContext) error {
	reg, offset, err := frame.regAndSLEB()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: offset * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func gnunegativeoffsetextended(frame *FrameContext) error {
	reg, offset, err := frame.regAndULEB()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: -int64(offset) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func undefined(frame *FrameContext) error {
	reg, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleUndefined}
	return nil
}

func samevalue(frame *FrameContext) error {
	reg, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleSameVal}
	return nil
}

func register(frame *FrameContext) error {
	reg1, reg2, err := frame.regAndULEB()
	if err != nil {
		return err
	}
	frame.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
	return nil
}

func rememberstate(frame *FrameContext) error {
	clonedRegs := make(map[uint64]DWRule, len(frame.Regs))
	for k, v := range frame.Regs {
		clonedRegs[k] = v
	}
	if !frame.rememberedState.push(rowState{cfa: frame.CFA, regs: clonedRegs}) {
		return frame.buf.errorf("DW_CFA_remember_state nested deeper than %d", MaxRememberedStates)
	}
	return nil
}

func restorestate(frame *FrameContext) error {
	restored, ok := frame.rememberedState.pop()
	if !ok {
		return frame.buf.errorf("DW_CFA_restore_state without a remembered state")
	}
	frame.CFA = restored.cfa
	frame.Regs = restored.regs
	return nil
}

func defcfa(frame *FrameContext) error {
	reg, offset, err := frame.regAndULEB()
	if err != nil {
		return err
	}
	frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(offset)}
	return nil
}

func defcfasf(frame *FrameContext) error {
	reg, offset, err := frame.regAndSLEB()
	if err != nil {
		return err
	}
	frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: offset * frame.dataAlignment}
	return nil
}

func defcfaregister(frame *FrameContext) error {
	reg, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return frame.buf.errorf("DW_CFA_def_cfa_register without a register CFA")
	}
	frame.CFA.Reg = reg
	return nil
}

func defcfaoffset(frame *FrameContext) error {
	offset, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return frame.buf.errorf("DW_CFA_def_cfa_offset without a register CFA")
	}
	frame.CFA.Offset = int64(offset)
	return nil
}

func defcfaoffsetsf(frame *FrameContext) error {
	offset, err := frame.buf.sleb()
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return frame.buf.errorf("DW_CFA_def_cfa_offset_sf without a register CFA")
	}
	frame.CFA.Offset = offset * frame.dataAlignment
	return nil
}

func defcfaexpression(frame *FrameContext) error {
	expr, err := frame.block()
	if err != nil {
		return err
	}
	frame.CFA = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func expression(frame *FrameContext) error {
	reg, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func valexpression(frame *FrameContext) error {
	reg, err := frame.buf.uleb()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: expr}
	return nil
}

func valoffset(frame *FrameContext) error {
	reg, offset, err := frame.regAndULEB()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valoffsetsf(frame *FrameContext) error {
	reg, offset, err := frame.regAndSLEB()
	if err != nil {
		return err
	}
	frame.Regs[reg] = DWRule{Offset: offset * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func gnuargssize(frame *FrameContext) error {
	_, err := frame.buf.uleb()
	return err
}
