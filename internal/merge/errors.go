package merge

import (
	"errors"
	"fmt"
)

// LargeFileHint is attached to staging failures for sources above the
// large-file threshold.
const LargeFileHint = "Try a shorter or smaller video (e.g. under 100 MB)."

var (
	ErrNoSource    = errors.New("no source video uploaded")
	ErrNoNarration = errors.New("no narration audio generated")
	ErrNoOutput    = errors.New("no output container found in working area")
)

// Kind is the user-facing failure class of a merge run.
type Kind int

const (
	// KindInput: a prerequisite is missing. Nothing was touched.
	KindInput Kind = iota + 1
	// KindRead: the source could not be read.
	KindRead
	// KindStaging: writing to or preparing the working area failed.
	KindStaging
	// KindMix: the mix command failed and no fallback applied.
	KindMix
	// KindOutput: the command ran but no output could be retrieved.
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindRead:
		return "read"
	case KindStaging:
		return "staging"
	case KindMix:
		return "mix"
	case KindOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Error is returned by Pipeline.Run for every failure.
type Error struct {
	Kind Kind
	Err  error
	Hint string
}

func (e *Error) Error() string {
	var prefix string
	switch e.Kind {
	case KindInput:
		prefix = "merge prerequisites missing"
	case KindRead:
		prefix = "reading files"
	case KindStaging:
		prefix = "writing to working area"
	case KindMix:
		prefix = "mixing failed"
	case KindOutput:
		prefix = "reading output (merge may have failed)"
	default:
		prefix = "merge failed"
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a merge error, or 0.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return 0
}
