package download

import (
	"fmt"

	"github.com/kalambet/gemi/internal/fault"
)

// Phase is the coarse state of a bundle download.
type Phase int

const (
	NotStarted Phase = iota
	Downloading
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Downloading:
		return "downloading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the downloader. Values are copies; holding one
// never blocks the downloader.
type State struct {
	Phase      Phase
	Progress   float64 // fraction of bytes in [0,1]
	BytesDone  int64
	BytesTotal int64 // 0 until every file size is known
	Err        error      // set when Phase == Failed
	Kind       fault.Kind // classification of Err
}

// Terminal reports whether no further states follow without a new Start.
func (s State) Terminal() bool {
	return s.Phase == Completed || s.Phase == Failed
}

func (s State) String() string {
	switch s.Phase {
	case Downloading:
		return fmt.Sprintf("downloading %.1f%%", s.Progress*100)
	case Failed:
		return fmt.Sprintf("failed (%s): %v", s.Kind, s.Err)
	default:
		return s.Phase.String()
	}
}

// canTransition encodes the allowed phase changes. Downloading to
// Downloading is only valid when progress does not go backwards, which the
// caller enforces.
func canTransition(from, to Phase) bool {
	if to == NotStarted {
		return true
	}
	switch from {
	case NotStarted:
		return to == Downloading || to == Completed
	case Downloading:
		return to == Downloading || to == Completed || to == Failed
	case Failed:
		return to == Downloading
	case Completed:
		return false
	}
	return false
}
