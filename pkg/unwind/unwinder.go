// Package unwind reconstructs the call stack of a suspended thread from
// its registers, its memory and the unwind tables of the mapped images.
package unwind

import (
	"path"
	"strings"

	"github.com/cinit/libunwindstack/pkg/image"
	"github.com/cinit/libunwindstack/pkg/logflags"
	"github.com/cinit/libunwindstack/pkg/maps"
	"github.com/cinit/libunwindstack/pkg/memory"
	"github.com/cinit/libunwindstack/pkg/regs"
)

// DefaultMaxFrames is used when Unwinder.MaxFrames is not set.
const DefaultMaxFrames = 512

// SymbolProvider names code the ELF images can not, such as JIT
// compiled or interpreted code.
type SymbolProvider interface {
	// Lookup returns the name of the function at pc, an absolute
	// address. approximate is set when the name is a best guess.
	Lookup(pc uint64) (name string, approximate bool, ok bool)
	// Claims reports whether m holds code the provider knows about.
	Claims(m *maps.MapEntry) bool
}

// FrameData is one frame of an unwind.
type FrameData struct {
	Num int
	// RelPC is the PC as a virtual address of the image.
	RelPC uint64
	PC    uint64
	SP    uint64

	FunctionName   string
	FunctionOffset uint64
	// Approximate is set when the name came from a SymbolProvider guess.
	Approximate bool

	MapEntry  *maps.MapEntry // nil if the PC is not mapped
	ElfOffset uint64
}

// Options select frames to leave out.
type Options struct {
	// InitialMapNamesToSkip drops the innermost frames whose map base
	// name is listed, until a frame from another map is found.
	InitialMapNamesToSkip []string
	// MapSuffixesToIgnore stops the unwind at the first frame in a map
	// whose name ends in one of these extensions.
	MapSuffixesToIgnore []string
}

// State is the progress of an Unwinder.
type State uint8

const (
	StateStart State = iota
	StateStepping
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateStepping:
		return "stepping"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Unwinder walks the stack described by Regs. Regs is not modified.
type Unwinder struct {
	MaxFrames     int
	Maps          *maps.Maps
	Regs          regs.Regs
	ProcessMemory memory.Memory
	Cache         *image.Cache
	JIT           SymbolProvider
	// DisplayBuildID adds the image build id to formatted frames.
	DisplayBuildID bool

	state   State
	frames  []FrameData
	lastErr ErrorData
}

// Frames returns the frames of the last unwind.
func (u *Unwinder) Frames() []FrameData { return u.frames }

// NumFrames returns the number of frames of the last unwind.
func (u *Unwinder) NumFrames() int { return len(u.frames) }

// LastError returns why the last unwind stopped.
func (u *Unwinder) LastError() ErrorData { return u.lastErr }

// State returns the state of the unwinder.
func (u *Unwinder) State() State { return u.state }

func (u *Unwinder) setError(code ErrorCode, addr uint64, err error) {
	u.lastErr = ErrorData{Code: code, Address: addr, Err: err}
}

func (u *Unwinder) setStepError(err error) {
	code, addr := Classify(err)
	u.setError(code, addr, err)
}

func shouldStop(suffixes []string, name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	return contains(suffixes, name[i+1:])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type frameKey struct {
	pc, sp uint64
}

// Unwind walks the stack. Frames found before a failure are kept, the
// cause of the stop is reported by LastError.
func (u *Unwinder) Unwind(opts Options) []FrameData {
	u.frames = nil
	u.lastErr = ErrorData{}
	u.state = StateStart
	if u.Regs == nil || u.Maps == nil {
		u.setError(ErrInvalidParameter, 0, nil)
		u.state = StateFailed
		return nil
	}
	maxFrames := u.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	r := u.Regs.Clone()
	u.state = StateStepping
	log := logflags.UnwinderLogger()

	skip := opts.InitialMapNamesToSkip
	seen := make(map[frameKey]struct{})
	returnAddressAttempt := false
	adjustPC := false

	for len(u.frames) < maxFrames {
		curPC, curSP := r.PC(), r.SP()
		seen[frameKey{curPC, curSP}] = struct{}{}

		var (
			img    *image.Image
			imgErr error
			relPC  = curPC
			stepPC = curPC
			pcAdj  uint64
			ignore bool
		)
		m := u.Maps.Find(curPC)
		if m == nil {
			// a failed return address guess keeps the error of the frame
			// before it
			if !returnAddressAttempt || u.lastErr.Code == ErrNone {
				u.setError(ErrInvalidMap, curPC, nil)
			}
		} else {
			ignore = len(skip) > 0 && contains(skip, path.Base(m.Name))
			if !ignore && shouldStop(opts.MapSuffixesToIgnore, m.Name) {
				break
			}
			img, imgErr = m.Image(u.ProcessMemory, u.Cache)
			relPC = m.RelPC(curPC)
			if adjustPC {
				var bias uint64
				var elfMem memory.Memory
				if img != nil {
					bias, elfMem = img.LoadBias, img.Memory()
				}
				pcAdj = r.PCAdjustment(relPC, bias, elfMem)
			}
			stepPC = relPC - pcAdj
		}

		var fr *FrameData
		if !ignore {
			u.frames = append(u.frames, FrameData{
				Num:      len(u.frames),
				RelPC:    relPC - pcAdj,
				PC:       curPC - pcAdj,
				SP:       curSP,
				MapEntry: m,
			})
			fr = &u.frames[len(u.frames)-1]
			if m != nil {
				fr.ElfOffset = m.ElfOffset()
			}
			skip = nil
		}
		adjustPC = true

		var stepped, finished, inDevice, signal bool
		if m != nil {
			if m.Flags&maps.FlagDevice != 0 {
				inDevice = true
			} else if sm := u.Maps.Find(curSP); sm != nil && sm.Flags&maps.FlagDevice != 0 {
				inDevice = true
			} else if img == nil {
				u.setStepError(imgErr)
			} else {
				if img.StepIfSignalHandler(relPC, r, u.ProcessMemory) {
					stepped, signal = true, true
				} else if out, err := img.Step(stepPC, r, u.ProcessMemory); err != nil {
					u.setStepError(err)
				} else {
					stepped, finished = true, out == image.Finished
				}
				if stepped {
					u.lastErr = ErrorData{}
				}
			}
			if signal && fr != nil {
				// the PC of an interrupted frame is not a return address
				fr.RelPC = relPC
				fr.PC += pcAdj
				stepPC = relPC
			}
		}

		if fr != nil {
			u.symbolize(fr, m, img, stepPC)
			if logflags.Unwinder() {
				log.Debugf("#%02d pc %#x sp %#x rel %#x %s (%s+%d)", fr.Num, fr.PC, fr.SP, fr.RelPC, mapName(m), fr.FunctionName, fr.FunctionOffset)
			}
		}

		if finished {
			break
		}
		if !stepped {
			if returnAddressAttempt {
				// drop the speculative frame unless it is all there is
				if len(u.frames) > 2 || (len(u.frames) > 0 && u.Maps.Find(u.frames[0].PC) != nil) {
					u.frames = u.frames[:len(u.frames)-1]
				}
				break
			}
			if inDevice {
				break
			}
			if !r.SetPCFromReturnAddress(u.ProcessMemory) {
				break
			}
			returnAddressAttempt = true
		} else {
			returnAddressAttempt = false
			if !signal && r.SP() < curSP {
				u.setError(ErrUnwindInfo, curSP, nil)
				break
			}
			if len(u.frames) == maxFrames {
				u.setError(ErrMaxFramesExceeded, 0, nil)
			}
		}

		if r.PC() == 0 {
			break
		}
		if _, ok := seen[frameKey{r.PC(), r.SP()}]; ok {
			u.setError(ErrRepeatedFrame, 0, nil)
			break
		}
	}

	switch u.lastErr.Code {
	case ErrNone, ErrMaxFramesExceeded:
		// hitting the frame limit is a normal stop
		u.state = StateDone
	default:
		u.state = StateFailed
	}
	return u.frames
}

func (u *Unwinder) symbolize(fr *FrameData, m *maps.MapEntry, img *image.Image, stepPC uint64) {
	if img != nil {
		if name, off, ok := img.FunctionName(stepPC); ok {
			fr.FunctionName, fr.FunctionOffset = name, off
			return
		}
	}
	if u.JIT != nil && m != nil && u.JIT.Claims(m) {
		if name, approximate, ok := u.JIT.Lookup(fr.PC); ok {
			fr.FunctionName, fr.Approximate = name, approximate
		}
	}
}

func mapName(m *maps.MapEntry) string {
	if m == nil {
		return "<unknown>"
	}
	return m.Name
}
