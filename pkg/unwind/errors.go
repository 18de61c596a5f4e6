package unwind

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/cinit/libunwindstack/pkg/armexidx"
	"github.com/cinit/libunwindstack/pkg/dwarf/frame"
	"github.com/cinit/libunwindstack/pkg/dwarf/op"
	"github.com/cinit/libunwindstack/pkg/image"
	"github.com/cinit/libunwindstack/pkg/maps"
	"github.com/cinit/libunwindstack/pkg/memory"
	"github.com/cinit/libunwindstack/pkg/regs"
)

// ErrorCode classifies why an unwind stopped.
type ErrorCode uint8

const (
	ErrNone ErrorCode = iota
	ErrMemoryInvalid
	ErrUnwindInfo
	ErrUnsupported
	ErrInvalidMap
	ErrMaxFramesExceeded
	ErrRepeatedFrame
	ErrInvalidElf
	ErrThreadDoesNotExist
	ErrThreadTimeout
	ErrSystemCall
	ErrBadArch
	ErrMapsParse
	ErrInvalidParameter
)

var errorCodeNames = [...]string{
	ErrNone:               "None",
	ErrMemoryInvalid:      "Memory Invalid",
	ErrUnwindInfo:         "Unwind Info",
	ErrUnsupported:        "Unsupported",
	ErrInvalidMap:         "Invalid Map",
	ErrMaxFramesExceeded:  "Maximum Frames Exceeded",
	ErrRepeatedFrame:      "Repeated Frame",
	ErrInvalidElf:         "Invalid Elf",
	ErrThreadDoesNotExist: "Thread Does Not Exist",
	ErrThreadTimeout:      "Thread Timeout",
	ErrSystemCall:         "System Call",
	ErrBadArch:            "Bad Arch",
	ErrMapsParse:          "Maps Parse",
	ErrInvalidParameter:   "Invalid Parameter",
}

// ErrorCodeString returns the display name of code.
func ErrorCodeString(code ErrorCode) string {
	if int(code) < len(errorCodeNames) {
		return errorCodeNames[code]
	}
	return "Unknown"
}

func (code ErrorCode) String() string {
	return ErrorCodeString(code)
}

// ErrorData is the last error of an unwind. Address is the faulting
// memory address or PC, when known.
type ErrorData struct {
	Code    ErrorCode
	Address uint64
	// Err is the underlying error, nil for stop conditions detected by
	// the unwinder itself.
	Err error
}

func (e ErrorData) String() string {
	s := ErrorCodeString(e.Code)
	if e.Address != 0 {
		s += fmt.Sprintf(" at address 0x%x", e.Address)
	}
	return s
}

// Classify maps an error returned by the packages the unwinder uses to
// an error code and, for memory errors, the faulting address.
func Classify(err error) (ErrorCode, uint64) {
	if err == nil {
		return ErrNone, 0
	}
	var (
		addrErr  *memory.InvalidAddressError
		shortErr *memory.ShortReadError
		parseErr *maps.ParseError
	)
	switch {
	case errors.Is(err, syscall.ESRCH):
		return ErrThreadDoesNotExist, 0
	case errors.Is(err, regs.ErrSystemCall):
		return ErrSystemCall, 0
	case errors.Is(err, regs.ErrBadArch):
		return ErrBadArch, 0
	case errors.As(err, &parseErr):
		return ErrMapsParse, 0
	case errors.Is(err, image.ErrInvalidElf):
		// checked before memory errors, truncated images wrap them
		return ErrInvalidElf, 0
	case errors.As(err, &addrErr):
		return ErrMemoryInvalid, addrErr.Addr
	case errors.As(err, &shortErr):
		return ErrMemoryInvalid, shortErr.Addr
	case errors.Is(err, memory.ErrInvalidMemory):
		return ErrMemoryInvalid, 0
	case errors.Is(err, image.ErrNoUnwindInfo),
		errors.Is(err, frame.ErrUnwindInfo),
		errors.Is(err, op.ErrInvalidExpression),
		errors.Is(err, armexidx.ErrMalformed):
		return ErrUnwindInfo, 0
	}
	return ErrUnsupported, 0
}
