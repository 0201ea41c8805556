package persist

import (
	"errors"

	"github.com/pavelanni/lmsstate/internal/lms"
	"github.com/pavelanni/lmsstate/internal/model"
)

var (
	ErrNotInitialized = errors.New("persist: engine not initialized")
	ErrTerminated     = errors.New("persist: session terminated")
	ErrReadOnly       = errors.New("persist: another tab holds the writer lock")
	ErrHostRejected   = errors.New("persist: LMS rejected the write")
	ErrTooLarge       = errors.New("persist: payload exceeds the LMS size limit")
)

// Layer names the part of the engine responsible for an outcome.
type Layer string

const (
	LayerEngine Layer = "engine"
	LayerLock   Layer = "lock"
	LayerLocal  Layer = "local"
	LayerCodec  Layer = "codec"
	LayerReduce Layer = "reduce"
	LayerLMS    Layer = "lms"
)

// LMSOutcome describes what happened to the LMS copy on a save.
type LMSOutcome string

const (
	LMSNone      LMSOutcome = ""
	LMSCommitted LMSOutcome = "committed"
	LMSDeferred  LMSOutcome = "deferred"
	LMSSkipped   LMSOutcome = "skipped"
	LMSFailed    LMSOutcome = "failed"
)

// Result reports a write operation. Err is nil when OK; Layer names where it failed,
// or the last layer written on success.
type Result struct {
	OK    bool                 `json:"ok"`
	Layer Layer                `json:"layer"`
	Local bool                 `json:"local"`
	LMS   LMSOutcome           `json:"lms,omitempty"`
	Level model.ReductionLevel `json:"level,omitempty"`
	Bytes int                  `json:"bytes,omitempty"`
	Err   error                `json:"-"`
}

func failed(layer Layer, err error) Result {
	return Result{Layer: layer, Err: err}
}

// LoadResult is the authoritative state at session start. State is nil when Source is none.
type LoadResult struct {
	State           *model.State `json:"state"`
	Source          model.Source `json:"source"`
	MultiTabWarning bool         `json:"multiTabWarning"`
}

// InitResult reports the outcome of Initialize.
type InitResult struct {
	LMS      bool         `json:"lms"`
	Revision lms.Revision `json:"revision"`
	Writer   bool         `json:"writer"`
	Err      error        `json:"-"`
}

// Phase is the commit scheduler state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePending    Phase = "debounce-pending"
	PhaseCommitting Phase = "committing"
)

// Status is a point-in-time view of the engine.
type Status struct {
	Initialized bool         `json:"initialized"`
	Terminated  bool         `json:"terminated"`
	Writer      bool         `json:"writer"`
	LMS         bool         `json:"lms"`
	Revision    lms.Revision `json:"revision"`
	SizeLimit   int          `json:"sizeLimit"`
	Phase       Phase        `json:"phase"`
}
