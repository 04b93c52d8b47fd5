package sync

import (
	"errors"
	"fmt"

	"github.com/schaermu/bundlesyncd/internal/reconcile"
)

// State is a step of a sync run
type State string

const (
	StateIdle            State = "idle"
	StateCheckingRemote  State = "checking_remote"
	StateUpToDate        State = "up_to_date"
	StateUpdateAvailable State = "update_available" // dry-run only
	StateDownloading     State = "downloading"
	StateExtracting      State = "extracting"
	StateReconciling     State = "reconciling"
	StateCommitted       State = "committed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether a run ends in s
func (s State) Terminal() bool {
	switch s {
	case StateUpToDate, StateUpdateAvailable, StateCommitted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Kind classifies a failed run
type Kind string

const (
	KindInvalid   Kind = "invalid"
	KindNetwork   Kind = "network"
	KindParse     Kind = "parse"
	KindExtract   Kind = "extract"
	KindReconcile Kind = "reconcile"
	KindCancelled Kind = "cancelled"
)

// Sentinels matched by errors.Is against an *Error of the same kind
var (
	ErrInvalid   = errors.New("invalid sync request")
	ErrNetwork   = errors.New("network error")
	ErrParse     = errors.New("malformed remote metadata")
	ErrExtract   = errors.New("bundle extraction failed")
	ErrReconcile = errors.New("reconcile failed")
	ErrCancelled = errors.New("sync cancelled")
)

var kindSentinels = map[Kind]error{
	KindInvalid:   ErrInvalid,
	KindNetwork:   ErrNetwork,
	KindParse:     ErrParse,
	KindExtract:   ErrExtract,
	KindReconcile: ErrReconcile,
	KindCancelled: ErrCancelled,
}

// Error is the failure reason of a run
type Error struct {
	Kind    Kind
	Stage   State // state the run was in when it failed
	Channel string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync of channel %q failed while %s: %v", e.Channel, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// Result is the outcome of one sync run
type Result struct {
	State        State
	Channel      string
	PreviousHash string // installed marker before the run, empty when absent
	LatestHash   string // empty when the remote could not be resolved
	// Path lists every state the run went through, Idle first
	Path     []State
	Warnings []reconcile.Warning
	Err      *Error
}

// OK reports whether the run ended without failure or cancellation
func (r *Result) OK() bool {
	return r.State != StateFailed && r.State != StateCancelled
}

// Changed reports whether the run installed a new bundle
func (r *Result) Changed() bool {
	return r.State == StateCommitted
}

// Failure returns the failure as a plain error, nil when OK
func (r *Result) Failure() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

func (r *Result) enter(s State) {
	r.State = s
	r.Path = append(r.Path, s)
}
