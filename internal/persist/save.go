package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/lmsstate/internal/lms"
	"github.com/pavelanni/lmsstate/internal/lock"
	"github.com/pavelanni/lmsstate/internal/model"
	"github.com/pavelanni/lmsstate/internal/reduce"
)

// SaveOptions qualifies a save request.
type SaveOptions struct {
	// Critical commits to the LMS immediately instead of waiting for the debounce window.
	Critical bool
}

// SaveState writes s to local storage now and schedules or performs the LMS commit.
func (e *Engine) SaveState(ctx context.Context, s model.State, opts SaveOptions) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.checkWritableLocked(); !ok {
		return res
	}

	snap := e.snapshot(s)
	res := Result{Layer: LayerLocal}
	if err := e.writeLocal(snap); err != nil {
		e.log.Error("local save failed", "key", e.storageKey, "error", err)
		res.Err = err
	} else {
		res.Local = true
	}

	if !e.lms.Available() {
		res.LMS = LMSSkipped
		res.OK = res.Local
		return res
	}

	if opts.Critical {
		e.cancelPendingLocked()
		lmsRes := e.commitLocked(ctx, snap)
		lmsRes.Local = res.Local
		if res.Err != nil && lmsRes.OK {
			// The LMS copy is safe even though local storage failed.
			lmsRes.OK = false
			lmsRes.Layer = LayerLocal
			lmsRes.Err = res.Err
		}
		return lmsRes
	}

	e.scheduleLocked(snap)
	res.LMS = LMSDeferred
	res.OK = res.Local
	return res
}

// snapshot stamps a private copy of s for persistence.
func (e *Engine) snapshot(s model.State) model.State {
	snap := s.Clone()
	snap.StateVersion = model.SchemaVersion
	snap.Timestamp = e.now()
	snap.ReductionLevel = ""
	snap.Tokens.ExploratoryCount = max(snap.Tokens.ExploratoryCount, len(snap.Tokens.ViewedOptionIDs))
	return snap
}

func (e *Engine) writeLocal(s model.State) error {
	data, err := model.Marshal(s)
	if err != nil {
		return err
	}
	if err := e.local.Set(e.storageKey, string(data)); err != nil {
		return fmt.Errorf("write local %s: %w", e.storageKey, err)
	}
	return nil
}

// scheduleLocked caches snap and re-arms the single debounce timer.
func (e *Engine) scheduleLocked(snap model.State) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.lastSaved = &snap
	e.timerGen++
	gen := e.timerGen
	e.timer = e.clock.AfterFunc(e.debounce, func() { e.flush(gen) })
	e.phase = PhasePending
}

// cancelPendingLocked stops the timer and forgets the cached snapshot.
func (e *Engine) cancelPendingLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	e.lastSaved = nil
	e.phase = PhaseIdle
}

// flush is the debounce timer callback. A timer that was re-armed or cancelled after
// firing finds a newer generation and does nothing.
func (e *Engine) flush(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.timerGen || e.lastSaved == nil {
		return
	}
	snap := *e.lastSaved
	e.lastSaved = nil
	e.timer = nil
	if !e.writer || e.terminated || !e.lms.Available() {
		e.phase = PhaseIdle
		return
	}
	res := e.commitLocked(context.Background(), snap)
	if !res.OK {
		e.log.Warn("debounced LMS commit failed", "layer", res.Layer, "error", res.Err)
	}
}

// commitLocked writes snap to the LMS through the reduction chain.
func (e *Engine) commitLocked(ctx context.Context, snap model.State) Result {
	e.phase = PhaseCommitting
	defer func() { e.phase = PhaseIdle }()

	limit := e.lms.SizeLimit()
	fitted, err := reduce.Fit(snap, e.chain, e.codec.EncodeState, limit)
	if err != nil {
		layer := LayerCodec
		if errors.Is(err, reduce.ErrOverflow) {
			layer = LayerReduce
			// Normal content volume always fits the minimal projection.
			e.log.Error("state does not fit the LMS budget at any reduction level",
				"limit", limit, "error", err)
		} else {
			e.log.Error("encoding state for LMS failed", "error", err)
		}
		return Result{Layer: layer, LMS: LMSFailed, Err: err}
	}
	if fitted.Level != model.LevelFull {
		e.log.Info("state reduced to fit LMS budget", "level", fitted.Level, "bytes", fitted.Size(), "limit", limit)
	}
	return e.writeLMSLocked(ctx, fitted.Payload, fitted.Level)
}

func (e *Engine) writeLMSLocked(ctx context.Context, payload string, level model.ReductionLevel) Result {
	if !e.lms.SetValue(ctx, lms.KeySuspendData, payload) || !e.lms.Commit(ctx) {
		e.log.Warn("LMS write rejected", "level", level, "bytes", len(payload))
		return Result{Layer: LayerLMS, LMS: LMSFailed, Level: level, Bytes: len(payload), Err: ErrHostRejected}
	}
	e.log.Debug("LMS commit", "level", level, "bytes", len(payload))
	return Result{OK: true, Layer: LayerLMS, LMS: LMSCommitted, Level: level, Bytes: len(payload)}
}

// ForceCommit writes any pending snapshot to the LMS in a single full-level attempt,
// without the reduction fallbacks, for use on page-unload signals.
func (e *Engine) ForceCommit(ctx context.Context) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forceCommitLocked(ctx)
}

func (e *Engine) forceCommitLocked(ctx context.Context) Result {
	if res, ok := e.checkWritableLocked(); !ok {
		return res
	}
	if !e.lms.Available() {
		e.cancelPendingLocked()
		return Result{OK: true, Layer: LayerLMS, LMS: LMSSkipped}
	}

	pending := e.lastSaved
	e.cancelPendingLocked()
	if pending == nil {
		if !e.lms.Commit(ctx) {
			return Result{Layer: LayerLMS, LMS: LMSFailed, Err: ErrHostRejected}
		}
		return Result{OK: true, Layer: LayerLMS, LMS: LMSCommitted}
	}

	e.phase = PhaseCommitting
	defer func() { e.phase = PhaseIdle }()

	full := reduce.Full(*pending)
	payload, err := e.codec.EncodeState(full)
	if err != nil {
		e.log.Warn("force commit encode failed", "error", err)
		return Result{Layer: LayerCodec, LMS: LMSFailed, Err: err}
	}
	if limit := e.lms.SizeLimit(); len(payload) > limit {
		e.log.Warn("force commit skipped, full state exceeds LMS budget", "bytes", len(payload), "limit", limit)
		return Result{Layer: LayerReduce, LMS: LMSFailed, Level: model.LevelFull, Bytes: len(payload), Err: ErrTooLarge}
	}
	return e.writeLMSLocked(ctx, payload, model.LevelFull)
}

// Terminate flushes, closes the LMS session and releases the writer lock.
func (e *Engine) Terminate(ctx context.Context) Result {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return failed(LayerEngine, ErrNotInitialized)
	}
	if e.terminated {
		e.mu.Unlock()
		return failed(LayerEngine, ErrTerminated)
	}

	var res Result
	if e.writer {
		res = e.forceCommitLocked(ctx)
	} else {
		e.cancelPendingLocked()
		res = Result{OK: true, Layer: LayerEngine}
	}
	if e.lms.Available() && !e.lms.Terminate(ctx) {
		e.log.Warn("LMS terminate failed")
		if res.OK {
			res = Result{Layer: LayerLMS, LMS: LMSFailed, Err: ErrHostRejected}
		}
	}
	e.terminated = true
	e.writer = false
	e.handle = lock.Handle{}
	e.mu.Unlock()

	// Release outside e.mu: the locker notifies lockChanged synchronously.
	// A read-only tab releases too, leaving the waiter queue.
	e.releaseLock(ctx)
	e.log.Info("session terminated", "ok", res.OK)
	return res
}

func (e *Engine) releaseLock(ctx context.Context) {
	if e.locker == nil {
		return
	}
	if err := e.locker.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		e.log.Warn("releasing writer lock failed", "error", err)
	}
}
