package image

import (
	"errors"
	"fmt"
)

// ErrInvalidElf is the cause of every error returned for a malformed image.
var ErrInvalidElf = errors.New("invalid ELF image")

// InvalidHeaderError reports a malformed or truncated image.
type InvalidHeaderError struct {
	Reason string
	Err    error
}

func (err *InvalidHeaderError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("invalid ELF image: %s: %v", err.Reason, err.Err)
	}
	return "invalid ELF image: " + err.Reason
}

func (err *InvalidHeaderError) Is(target error) bool {
	return target == ErrInvalidElf
}

func (err *InvalidHeaderError) Unwrap() error {
	return err.Err
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidHeaderError{Reason: fmt.Sprintf(format, args...)}
}

func readFailed(what string, err error) error {
	return &InvalidHeaderError{Reason: "reading " + what, Err: err}
}

// ErrNoUnwindInfo is returned by Step when no unwind table covers the
// PC.
var ErrNoUnwindInfo = errors.New("no unwind info")

// NoUnwindInfoError reports the PC no table covers.
type NoUnwindInfoError struct {
	PC uint64
}

func (err *NoUnwindInfoError) Error() string {
	return fmt.Sprintf("no unwind info for pc %#x", err.PC)
}

func (err *NoUnwindInfoError) Is(target error) bool {
	return target == ErrNoUnwindInfo
}
