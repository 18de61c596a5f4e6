package frame

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnwindInfo is the cause of every error produced while decoding or
// interpreting call frame information.
var ErrUnwindInfo = errors.New("malformed unwind info")

// CFIError is a decoding error at a specific section offset.
type CFIError struct {
	Off    uint64
	Reason string
}

func (err *CFIError) Error() string {
	return fmt.Sprintf("call frame information at offset %#x: %s", err.Off, err.Reason)
}

func (err *CFIError) Is(target error) bool {
	return target == ErrUnwindInfo
}

func cfiErrorf(off uint64, format string, args ...interface{}) error {
	return &CFIError{Off: off, Reason: fmt.Sprintf(format, args...)}
}

// CommonInformationEntry represents a Common Information Entry in
// the .eh_frame or .debug_frame section.
type CommonInformationEntry struct {
	Offset                uint64
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
	SignalFrame           bool

	// virtual address of InitialInstructions[0]
	instrAddr uint64
	// eh_frame pointer encoding of the FDE addresses
	ptrEncAddr ptrEnc
	// the augmentation data length field is present
	hasAugmentationData bool
}

// FrameDescriptionEntry represents a Frame Descriptor Entry in the
// .eh_frame or .debug_frame section.
type FrameDescriptionEntry struct {
	Offset       uint64
	CIE          *CommonInformationEntry
	Instructions []byte
	begin, size  uint64

	instrAddr uint64
	section   *Section
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns address of first location for this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns address of last location for this frame.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// EstablishFrame set up frame for the given PC.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) (*FrameContext, error) {
	return executeDwarfProgramUntilPC(fde, pc)
}

type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 64)
}

// ErrNoFDEForPC FDE for PC not found error
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#x", err.PC)
}

func (err *ErrNoFDEForPC) Is(target error) bool {
	return target == ErrUnwindInfo
}

// FDEForPC returns the Frame Description Entry for the given PC.
// fdes must be sorted by Begin.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].End() > pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}

// ptrEnc represents a pointer encoding value, used during eh_frame decoding
// to determine how pointers were encoded.
// Least significant 4 (0xf) bytes encode the size  as well as its
// signed-ness,  most significant 4 bytes (0xf0 == ptrEncFlagsMask) are flags
// describing how the value should be interpreted (absolute, relative...)
// See https://www.airs.com/blog/archives/460.
type ptrEnc uint8

const (
	ptrEncAbs    ptrEnc = 0x00 // pointer-sized unsigned integer
	ptrEncOmit   ptrEnc = 0xff // omitted
	ptrEncUleb   ptrEnc = 0x01 // ULEB128
	ptrEncUdata2 ptrEnc = 0x02 // 2 bytes
	ptrEncUdata4 ptrEnc = 0x03 // 4 bytes
	ptrEncUdata8 ptrEnc = 0x04 // 8 bytes
	ptrEncSigned ptrEnc = 0x08 // pointer-sized signed integer
	ptrEncSleb   ptrEnc = 0x09 // SLEB128
	ptrEncSdata2 ptrEnc = 0x0a // 2 bytes, signed
	ptrEncSdata4 ptrEnc = 0x0b // 4 bytes, signed
	ptrEncSdata8 ptrEnc = 0x0c // 8 bytes, signed

	ptrEncFormatMask ptrEnc = 0x0f
	ptrEncFlagsMask  ptrEnc = 0x70

	ptrEncPCRel    ptrEnc = 0x10 // value is relative to the memory address where it appears
	ptrEncTextRel  ptrEnc = 0x20 // value is relative to the address of the text section
	ptrEncDataRel  ptrEnc = 0x30 // value is relative to the address of the data section
	ptrEncFuncRel  ptrEnc = 0x40 // value is relative to the start of the function
	ptrEncAligned  ptrEnc = 0x50 // value should be aligned
	ptrEncIndirect ptrEnc = 0x80 // value is an address where the real value of the pointer is stored
)

// Supported returns true if this pointer encoding can be decoded.
func (ptrEnc ptrEnc) Supported() bool {
	if ptrEnc == ptrEncOmit {
		return true
	}
	szenc := ptrEnc & ptrEncFormatMask
	if ((szenc > ptrEncUdata8) && (szenc < ptrEncSigned)) || (szenc > ptrEncSdata8) {
		// These values aren't defined at the moment
		return false
	}
	if ptrEnc&ptrEncIndirect != 0 {
		return false
	}
	switch ptrEnc & ptrEncFlagsMask {
	case 0, ptrEncPCRel, ptrEncTextRel, ptrEncDataRel, ptrEncFuncRel, ptrEncAligned:
		return true
	}
	return false
}
