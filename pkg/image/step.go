package image

import (
	"debug/elf"
	"errors"

	"github.com/cinit/libunwindstack/pkg/armexidx"
	"github.com/cinit/libunwindstack/pkg/dwarf/frame"
	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/memory"
	"github.com/cinit/libunwindstack/pkg/regs"
)

// Outcome is the result of a successful Step.
type Outcome uint8

const (
	// Stepped means the registers now describe the caller.
	Stepped Outcome = iota + 1
	// Finished means the frame is the outermost one.
	Finished
)

func (o Outcome) String() string {
	switch o {
	case Stepped:
		return "stepped"
	case Finished:
		return "finished"
	}
	return "none"
}

func outcome(finished bool) Outcome {
	if finished {
		return Finished
	}
	return Stepped
}

func (img *Image) initTables() {
	img.tablesOnce.Do(func() {
		log := logflags.ElfLogger()
		ptrSize := img.PtrSize()

		var hdr *frame.Header
		if r := img.ehFrameHdr; r != nil {
			h, err := frame.ParseHeader(img.mem, r.offset, r.addr, img.Order, ptrSize)
			if err != nil {
				log.Debugf("ignoring .eh_frame_hdr: %v", err)
			} else {
				hdr = h
			}
		}

		switch {
		case img.ehFrame != nil:
			r := img.ehFrame
			img.ehCFI = frame.NewSection(frame.EhFrame, img.mem, r.offset, r.size, r.addr, img.Order, ptrSize)
			if hdr != nil && hdr.EhFramePtr != r.addr {
				log.Debugf(".eh_frame_hdr points at %#x, .eh_frame is at %#x", hdr.EhFramePtr, r.addr)
				hdr = nil
			}
		case hdr != nil && hdr.FDECount > 0:
			// only the header is known, the section is located through
			// the load segments and its size is unknown
			if off, ok := img.vaddrToOffset(hdr.EhFramePtr); ok {
				img.ehCFI = frame.NewSection(frame.EhFrame, img.mem, off, 0, hdr.EhFramePtr, img.Order, ptrSize)
			}
		}
		if img.ehCFI != nil {
			img.ehCFI.SetBases(img.textAddr, img.gotAddr)
			if hdr != nil {
				img.ehCFI.UseHeader(hdr)
			}
		}

		if r := img.debugFrame; r != nil {
			img.debugCFI = frame.NewSection(frame.DebugFrame, img.mem, r.offset, r.size, r.addr, img.Order, ptrSize)
		}
		if r := img.armExidx; r != nil {
			img.exidx = armexidx.NewIndex(img.mem, r.offset, r.size, r.addr, img.Order)
		}
	})
}

// HasUnwindInfo reports whether the image carries any unwind table.
func (img *Image) HasUnwindInfo() bool {
	img.initTables()
	return img.ehCFI != nil || img.debugCFI != nil || img.exidx != nil
}

// Step unwinds r by one frame. relPC is the PC as a virtual address of the
// image, the stack is read from procMem. 32-bit ARM images are looked up
// in .ARM.exidx first, DWARF CFI is consulted when no entry covers relPC.
// Otherwise .eh_frame is used before .debug_frame.
func (img *Image) Step(relPC uint64, r regs.Regs, procMem memory.Memory) (Outcome, error) {
	img.initTables()
	if img.exidx != nil {
		finished, err := img.exidx.Step(relPC, r, procMem)
		if !errors.Is(err, armexidx.ErrNotCovered) {
			if err != nil {
				return 0, err
			}
			return outcome(finished), nil
		}
	}
	for _, s := range []*frame.Section{img.ehCFI, img.debugCFI} {
		if s == nil {
			continue
		}
		finished, err := s.Step(relPC, r, procMem)
		var noFDE *frame.ErrNoFDEForPC
		if errors.As(err, &noFDE) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return outcome(finished), nil
	}
	return 0, &NoUnwindInfoError{PC: relPC}
}

// StepIfSignalHandler unwinds r through a signal trampoline if the code at
// relPC is one.
func (img *Image) StepIfSignalHandler(relPC uint64, r regs.Regs, procMem memory.Memory) bool {
	if relPC < img.LoadBias {
		return false
	}
	return r.StepIfSignalHandler(relPC-img.LoadBias, img.mem, procMem)
}

// IsValidPC reports whether pc, a virtual address of the image, lies in
// an executable segment or is covered by an unwind table.
func (img *Image) IsValidPC(pc uint64) bool {
	for _, p := range img.Segments {
		if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 && pc >= p.Vaddr && pc-p.Vaddr < p.Memsz {
			return true
		}
	}
	img.initTables()
	for _, s := range []*frame.Section{img.ehCFI, img.debugCFI} {
		if s == nil {
			continue
		}
		if _, err := s.FDEForPC(pc); err == nil {
			return true
		}
	}
	return false
}
