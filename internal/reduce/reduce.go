// Package reduce holds the ordered projections used to fit state into the LMS byte budget.
package reduce

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/pavelanni/lmsstate/internal/model"
)

// ReducedAttemptLimit is how many recent attempts the reduced projection keeps.
const ReducedAttemptLimit = 10

// ErrOverflow is returned when no projection fits the budget.
var ErrOverflow = errors.New("reduce: state exceeds size limit at every reduction level")

// Projection is a pure State -> State transform tagged with the level it produces.
type Projection struct {
	Level   model.ReductionLevel
	Project func(model.State) model.State
}

// Chain returns the projections in the order they are tried.
func Chain() []Projection {
	return []Projection{
		{Level: model.LevelFull, Project: Full},
		{Level: model.LevelReduced, Project: Reduced},
		{Level: model.LevelMinimal, Project: Minimal},
	}
}

// Full is the identity projection.
func Full(s model.State) model.State {
	out := s.Clone()
	out.ReductionLevel = model.LevelFull
	return out
}

// Reduced drops learner reflections and section view tracking and keeps the most recent attempts.
func Reduced(s model.State) model.State {
	out := s.Clone()
	out.Reflections = nil
	out.SectionsViewed = nil
	slices.SortStableFunc(out.MCQAttempts, func(a, b model.MCQAttempt) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	if n := len(out.MCQAttempts); n > ReducedAttemptLimit {
		out.MCQAttempts = out.MCQAttempts[n-ReducedAttemptLimit:]
	}
	out.ReductionLevel = model.LevelReduced
	return out
}

// Minimal keeps pointers, totals, badges and theme. Token counts survive as plain numbers.
func Minimal(s model.State) model.State {
	out := s.Clone()
	out.Tokens.ExploratoryCount = max(out.Tokens.ExploratoryCount, len(out.Tokens.ViewedOptionIDs))
	out.Tokens.ViewedOptionIDs = []string{}
	out.MCQAttempts = []model.MCQAttempt{}
	out.ResourcesRead = nil
	out.PodcastsCompleted = nil
	out.PodcastsInProgress = nil
	out.Reflections = nil
	out.SectionsViewed = nil
	out.ReductionLevel = model.LevelMinimal
	return out
}

// FirstFit applies each step to in and returns the first accepted result with its index.
// If no step is accepted it returns the last result and index -1.
func FirstFit[T, R any](in T, steps []func(T) T, accept func(T) (R, bool, error)) (R, int, error) {
	var last R
	for i, step := range steps {
		res, ok, err := accept(step(in))
		if err != nil {
			return res, i, err
		}
		if ok {
			return res, i, nil
		}
		last = res
	}
	return last, -1, nil
}

// Encoder turns a state into the text written to the LMS.
type Encoder func(model.State) (string, error)

// Fitted is a projection that fits the budget.
type Fitted struct {
	Level   model.ReductionLevel
	State   model.State
	Payload string
}

// Size is the payload length in bytes.
func (f Fitted) Size() int { return len(f.Payload) }

// Fit encodes s through chain until a payload of at most limit bytes is produced.
func Fit(s model.State, chain []Projection, encode Encoder, limit int) (Fitted, error) {
	if len(chain) == 0 {
		return Fitted{}, errors.New("reduce: empty projection chain")
	}
	steps := make([]func(model.State) model.State, len(chain))
	for i, p := range chain {
		steps[i] = p.Project
	}
	fitted, idx, err := FirstFit(s, steps, func(st model.State) (Fitted, bool, error) {
		payload, err := encode(st)
		if err != nil {
			return Fitted{}, false, fmt.Errorf("encode %s: %w", st.ReductionLevel, err)
		}
		return Fitted{Level: st.ReductionLevel, State: st, Payload: payload}, len(payload) <= limit, nil
	})
	if err != nil {
		return Fitted{}, err
	}
	if idx < 0 {
		return fitted, fmt.Errorf("%w: smallest payload %d bytes, limit %d", ErrOverflow, fitted.Size(), limit)
	}
	return fitted, nil
}
