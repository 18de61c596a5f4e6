package frame

import (
	"fmt"

	"github.com/cinit/libunwindstack/pkg/dwarf/op"
	"github.com/cinit/libunwindstack/pkg/memory"
)

// Registers is the register file CFI rules are applied to. Register
// numbers are DWARF numbers.
type Registers interface {
	op.Registers
	Set(num uint64, v uint64)
	PC() uint64
	SetPC(v uint64)
	SetSP(v uint64)
}

// Step unwinds regs by one frame using the FDE covering pc. finished is
// true when the caller's PC is zero, which marks the outermost frame.
func (s *Section) Step(pc uint64, regs Registers, mem memory.Memory) (finished bool, err error) {
	fde, err := s.FDEForPC(pc)
	if err != nil {
		return false, err
	}
	frame, err := fde.EstablishFrame(pc)
	if err != nil {
		return false, err
	}
	return frame.Apply(regs, mem, s)
}

type regUpdate struct {
	reg uint64
	val uint64
}

// Apply computes the caller's registers from the rules of frame. All
// rules read the callee's register values, the updates are written at
// the end.
func (frame *FrameContext) Apply(regs Registers, mem memory.Memory, s *Section) (finished bool, err error) {
	env := op.Env{Regs: regs, Mem: mem, PtrSize: s.ptrSize, ByteOrder: s.order}
	total := uint64(regs.Total())
	mask := ^uint64(0)
	if s.ptrSize == 4 {
		mask = 0xffffffff
	}

	var cfa uint64
	switch frame.CFA.Rule {
	case RuleCFA:
		if frame.CFA.Reg >= total {
			return false, cfiErrorf(frame.buf.off, "CFA register %d out of range", frame.CFA.Reg)
		}
		cfa = regs.Get(frame.CFA.Reg) + uint64(frame.CFA.Offset)
	case RuleExpression:
		cfa, err = op.ExecuteStackProgram(env, frame.CFA.Expression)
		if err != nil {
			return false, fmt.Errorf("CFA expression: %w", err)
		}
	default:
		return false, cfiErrorf(frame.buf.off, "no CFA rule")
	}
	cfa &= mask

	readPtr := func(addr uint64) (uint64, error) {
		return memory.ReadUint(mem, addr&mask, s.ptrSize, s.order)
	}

	updates := make([]regUpdate, 0, len(frame.Regs))
	returnAddressUndefined := false
	for reg, rule := range frame.Regs {
		if reg >= total {
			continue
		}
		var v uint64
		switch rule.Rule {
		case RuleUndefined:
			if reg == frame.RetAddrReg {
				returnAddressUndefined = true
			}
			continue
		case RuleSameVal:
			continue
		case RuleOffset:
			if v, err = readPtr(cfa + uint64(rule.Offset)); err != nil {
				return false, fmt.Errorf("restore register %d: %w", reg, err)
			}
		case RuleValOffset:
			v = cfa + uint64(rule.Offset)
		case RuleRegister:
			if rule.Reg >= total {
				return false, cfiErrorf(frame.buf.off, "register %d out of range", rule.Reg)
			}
			v = regs.Get(rule.Reg)
		case RuleExpression:
			addr, err := op.ExecuteStackProgram(env, rule.Expression, cfa)
			if err != nil {
				return false, fmt.Errorf("register %d expression: %w", reg, err)
			}
			if v, err = readPtr(addr); err != nil {
				return false, fmt.Errorf("restore register %d: %w", reg, err)
			}
		case RuleValExpression:
			if v, err = op.ExecuteStackProgram(env, rule.Expression, cfa); err != nil {
				return false, fmt.Errorf("register %d expression: %w", reg, err)
			}
		default:
			return false, cfiErrorf(frame.buf.off, "unknown rule %d for register %d", rule.Rule, reg)
		}
		updates = append(updates, regUpdate{reg, v & mask})
	}
	for _, u := range updates {
		regs.Set(u.reg, u.val)
	}

	// Find the return address location.
	switch {
	case returnAddressUndefined:
		regs.SetPC(0)
	case frame.RetAddrReg < total:
		regs.SetPC(regs.Get(frame.RetAddrReg))
	default:
		return false, cfiErrorf(frame.buf.off, "return address register %d out of range", frame.RetAddrReg)
	}
	regs.SetSP(cfa)

	// If the pc was set to zero, consider this the final frame.
	return regs.PC() == 0, nil
}
