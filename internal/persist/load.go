package persist

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/lmsstate/internal/lms"
	"github.com/pavelanni/lmsstate/internal/merge"
	"github.com/pavelanni/lmsstate/internal/model"
)

// LoadState reads both backends and returns the reconciled state.
// A copy that is empty, unparseable or at an older schema version counts as absent
// and is cleared from its store.
func (e *Engine) LoadState(ctx context.Context) LoadResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		e.log.Warn("load before initialize")
		return LoadResult{Source: model.SourceNone}
	}

	var fromLMS, fromLocal *model.State
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fromLMS = e.loadLMS(gctx)
		return nil
	})
	g.Go(func() error {
		fromLocal = e.loadLocal()
		return nil
	})
	_ = g.Wait()

	res := merge.Reconcile(fromLMS, fromLocal, e.clock.Now())
	if res.MultiTabWarning {
		e.log.Warn("LMS and local copies were written moments apart, another tab may be open")
	}
	e.log.Info("state loaded", "source", res.Source, "lms", fromLMS != nil, "local", fromLocal != nil)
	return LoadResult{State: res.State, Source: res.Source, MultiTabWarning: res.MultiTabWarning}
}

func (e *Engine) loadLMS(ctx context.Context) *model.State {
	if !e.lms.Available() {
		return nil
	}
	raw, ok := e.lms.GetValue(ctx, lms.KeySuspendData)
	if !ok || raw == "" {
		return nil
	}
	s, err := e.codec.DecodeState(raw)
	if err == nil {
		err = model.Validate(s)
	}
	if err != nil {
		e.log.Warn("discarding LMS copy", "error", err)
		if !e.lms.SetValue(ctx, lms.KeySuspendData, "") || !e.lms.Commit(ctx) {
			e.log.Warn("could not clear LMS copy")
		}
		return nil
	}
	return &s
}

func (e *Engine) loadLocal() *model.State {
	raw, err := e.local.Get(e.storageKey)
	if err != nil {
		e.log.Warn("local storage read failed", "key", e.storageKey, "error", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	s, err := model.Unmarshal([]byte(raw))
	if err == nil {
		err = model.Validate(s)
	}
	if err != nil {
		e.log.Warn("discarding local copy", "key", e.storageKey, "error", err)
		if err := e.local.Remove(e.storageKey); err != nil {
			e.log.Warn("could not clear local copy", "key", e.storageKey, "error", err)
		}
		return nil
	}
	return &s
}
