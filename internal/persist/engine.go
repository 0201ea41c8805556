// Package persist is the state persistence engine: it writes learner progress through local
// storage and the LMS, reconciles both copies on load, and schedules LMS commits.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/lmsstate/internal/lms"
	"github.com/pavelanni/lmsstate/internal/lock"
	"github.com/pavelanni/lmsstate/internal/model"
	"github.com/pavelanni/lmsstate/internal/reduce"
)

// Defaults.
const (
	DefaultStorageKey = "lmsstate.progress"
	DefaultDebounce   = 60 * time.Second
)

// LMS is the host session the engine writes through. *lms.Adapter satisfies it.
type LMS interface {
	Initialize(ctx context.Context) bool
	Available() bool
	Revision() lms.Revision
	SizeLimit() int
	GetValue(ctx context.Context, key string) (string, bool)
	SetValue(ctx context.Context, key, value string) bool
	Commit(ctx context.Context) bool
	Terminate(ctx context.Context) bool
	SetCompletionStatus(ctx context.Context, status string) bool
	SetScore(ctx context.Context, value, max float64) bool
}

// LocalStore is the uncompressed local copy. *store.Bucket satisfies it.
type LocalStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Codec encodes state for the LMS field. *codec.Codec satisfies it.
type Codec interface {
	EncodeState(s model.State) (string, error)
	DecodeState(text string) (model.State, error)
}

// soleWriter is the capability used when no lock is configured or the lock backend is down.
var soleWriter = lock.Handle{Name: "sole-writer", Token: "sole-writer"}

// Engine is one learner session. Create it with New; the caller owns Initialize and Terminate.
type Engine struct {
	mu     sync.Mutex
	lms    LMS
	local  LocalStore
	codec  Codec
	clock  Clock
	log    *slog.Logger
	locker lock.Locker

	storageKey string
	debounce   time.Duration
	chain      []reduce.Projection

	initialized bool
	terminated  bool
	writer      bool
	handle      lock.Handle

	phase     Phase
	lastSaved *model.State
	timer     Timer
	timerGen  uint64
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLocker makes writes conditional on holding the writer lock.
// Without a locker the engine is always the writer.
func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

func WithDebounce(d time.Duration) Option { return func(e *Engine) { e.debounce = d } }

func WithStorageKey(key string) Option { return func(e *Engine) { e.storageKey = key } }

// WithChain replaces the reduction chain tried on LMS commits.
func WithChain(chain []reduce.Projection) Option { return func(e *Engine) { e.chain = chain } }

// New creates an engine over the given backends.
func New(host LMS, local LocalStore, c Codec, opts ...Option) *Engine {
	e := &Engine{
		lms:        host,
		local:      local,
		codec:      c,
		clock:      systemClock{},
		log:        slog.Default(),
		storageKey: DefaultStorageKey,
		debounce:   DefaultDebounce,
		chain:      reduce.Chain(),
		phase:      PhaseIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.debounce <= 0 {
		e.debounce = DefaultDebounce
	}
	e.log = e.log.With("component", "persist")
	return e
}

// Initialize opens the LMS session and takes part in the writer election.
// A missing host is not an error: the engine runs local-only.
func (e *Engine) Initialize(ctx context.Context) InitResult {
	e.mu.Lock()
	if e.initialized {
		res := InitResult{LMS: e.lms.Available(), Revision: e.lms.Revision(), Writer: e.writer}
		e.mu.Unlock()
		return res
	}
	hostOK := e.lms.Initialize(ctx)
	e.initialized = true
	e.terminated = false
	e.mu.Unlock()

	res := InitResult{LMS: hostOK, Revision: e.lms.Revision()}
	if !hostOK {
		e.log.Info("running without LMS, local storage only")
	}

	if e.locker == nil {
		e.setWriter(soleWriter)
		res.Writer = true
		return res
	}

	// Lock callbacks may run synchronously inside Acquire, so e.mu is not held here.
	e.locker.OnLockChange(e.lockChanged)
	h, err := e.locker.Acquire(ctx)
	switch {
	case err == nil:
		e.setWriter(h)
		res.Writer = true
	case errors.Is(err, lock.ErrHeld):
		e.log.Info("another tab holds the writer lock, read-only")
	default:
		// Lock backend errors fail open.
		e.log.Warn("writer lock unavailable, continuing as writer", "error", err)
		e.setWriter(soleWriter)
		res.Writer = true
		res.Err = err
	}
	return res
}

// setWriter installs h unless the session has terminated.
func (e *Engine) setWriter(h lock.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return false
	}
	e.handle = h
	e.writer = h.Valid()
	return true
}

// lockChanged handles acquisition and loss delivered by the locker.
// Losing the lock drops the pending debounced snapshot; it is already in local storage
// and committed writes are not rolled back.
func (e *Engine) lockChanged(held bool) {
	if held {
		h, err := e.locker.Acquire(context.Background())
		if err != nil {
			e.log.Warn("lock reported as granted but acquire failed", "error", err)
			return
		}
		if !e.setWriter(h) {
			// Terminated sessions hand the lock on to a live tab.
			e.releaseLock(context.Background())
			return
		}
		e.log.Info("writer lock acquired")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writer {
		return
	}
	e.writer = false
	e.handle = lock.Handle{}
	if e.lastSaved != nil {
		e.log.Warn("writer lock lost, dropping pending LMS commit")
	}
	e.cancelPendingLocked()
	e.log.Info("writer lock lost, read-only")
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Initialized: e.initialized,
		Terminated:  e.terminated,
		Writer:      e.writer,
		LMS:         e.lms.Available(),
		Revision:    e.lms.Revision(),
		SizeLimit:   e.lms.SizeLimit(),
		Phase:       e.phase,
	}
}

// SetCompletionStatus reports lesson status to the LMS and commits.
func (e *Engine) SetCompletionStatus(ctx context.Context, status string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.checkWritableLocked(); !ok {
		return res
	}
	if !e.lms.Available() {
		return Result{OK: true, Layer: LayerLMS, LMS: LMSSkipped}
	}
	if !e.lms.SetCompletionStatus(ctx, status) || !e.lms.Commit(ctx) {
		return Result{Layer: LayerLMS, LMS: LMSFailed, Err: ErrHostRejected}
	}
	return Result{OK: true, Layer: LayerLMS, LMS: LMSCommitted}
}

// SetScore reports a score to the LMS and commits.
func (e *Engine) SetScore(ctx context.Context, value, max float64) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.checkWritableLocked(); !ok {
		return res
	}
	if !e.lms.Available() {
		return Result{OK: true, Layer: LayerLMS, LMS: LMSSkipped}
	}
	if !e.lms.SetScore(ctx, value, max) || !e.lms.Commit(ctx) {
		return Result{Layer: LayerLMS, LMS: LMSFailed, Err: ErrHostRejected}
	}
	return Result{OK: true, Layer: LayerLMS, LMS: LMSCommitted}
}

func (e *Engine) checkWritableLocked() (Result, bool) {
	switch {
	case !e.initialized:
		return failed(LayerEngine, ErrNotInitialized), false
	case e.terminated:
		return failed(LayerEngine, ErrTerminated), false
	case !e.writer || !e.handle.Valid():
		return failed(LayerLock, ErrReadOnly), false
	}
	return Result{}, true
}

func (e *Engine) now() int64 {
	return e.clock.Now().UnixMilli()
}
