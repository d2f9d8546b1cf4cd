package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrManifest marks any failure to turn the manifest files into a
	// usable flash plan. Nothing is sent to the device once it is raised.
	ErrManifest = errors.New("manifest error")

	// ErrVerify marks a read-back that did not confirm the written size.
	ErrVerify = errors.New("verify failure")
)

// ParseError pinpoints the first unusable manifest line. Line 0 means the
// problem is with the file as a whole.
type ParseError struct {
	File   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Reason)
	}
	return fmt.Sprintf("%s: line %d: %s", e.File, e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrManifest }

// VerifyError reports a block-count mismatch from the read-back step.
type VerifyError struct {
	Partition string
	Want      uint32
	Got       uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify %s: device confirmed %d blocks, expected %d", e.Partition, e.Got, e.Want)
}

func (e *VerifyError) Unwrap() error { return ErrVerify }

// FlashError names the partition and file whose step aborted the run.
type FlashError struct {
	Partition string
	File      string
	Err       error
}

func (e *FlashError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("flash %s: %v", e.Partition, e.Err)
	}
	return fmt.Sprintf("flash %s (%s): %v", e.Partition, e.File, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }
