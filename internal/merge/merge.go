// Package merge reconciles the state copies found in the LMS and in local storage.
package merge

import (
	"cmp"
	"slices"
	"time"

	"github.com/pavelanni/lmsstate/internal/model"
)

// MultiTabWindow is the timestamp gap under which two copies look like concurrent writers
// rather than a stale backup.
const MultiTabWindow = 5 * time.Second

// Result is the reconciled state and where it came from.
type Result struct {
	State           *model.State
	Source          model.Source
	MultiTabWarning bool
}

// Reconcile picks or merges the two loaded copies. Either may be nil (absent).
func Reconcile(lms, local *model.State, now time.Time) Result {
	switch {
	case lms == nil && local == nil:
		return Result{Source: model.SourceNone}
	case lms == nil:
		s := local.Clone()
		return Result{State: &s, Source: model.SourceLocal}
	case local == nil:
		s := lms.Clone()
		return Result{State: &s, Source: model.SourceLMS}
	}
	merged := Merge(*lms, *local, now)
	return Result{
		State:           &merged,
		Source:          model.SourceMerged,
		MultiTabWarning: MultiTab(lms.Timestamp, local.Timestamp),
	}
}

// MultiTab reports whether two write timestamps (ms) are close enough to suggest two tabs.
func MultiTab(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d > 0 && d < MultiTabWindow.Milliseconds()
}

// Merge combines two present copies. The newer copy is the base; on a tie the second
// argument wins, which callers use for the never-reduced local copy.
func Merge(a, b model.State, now time.Time) model.State {
	base, other := b, a
	if a.Timestamp > b.Timestamp {
		base, other = a, b
	}

	out := base.Clone()
	out.StateVersion = max(base.StateVersion, other.StateVersion, model.SchemaVersion)
	out.Timestamp = now.UnixMilli()
	out.ReductionLevel = ""

	out.Points = mergePoints(base.Points, other.Points)
	out.Tokens = mergeTokens(base, other)
	out.MCQAttempts = mergeAttempts(base.MCQAttempts, other.MCQAttempts)
	out.Badges = mergeBadges(base.Badges, other.Badges)

	out.ResourcesRead = mergeProgress(base.ResourcesRead, other.ResourcesRead)
	out.PodcastsCompleted = mergeProgress(base.PodcastsCompleted, other.PodcastsCompleted)
	out.PodcastsInProgress = mergeProgress(base.PodcastsInProgress, other.PodcastsInProgress)
	out.SectionsViewed = mergeProgress(base.SectionsViewed, other.SectionsViewed)
	out.Reflections = mergeReflections(base.Reflections, other.Reflections)
	return out
}

func mergePoints(base, other map[string]int) map[string]int {
	out := make(map[string]int, len(base)+len(other))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range other {
		if cur, ok := out[k]; !ok || v > cur {
			out[k] = v
		}
	}
	return out
}

func mergeTokens(base, other model.State) model.Tokens {
	viewed := union(base.Tokens.ViewedOptionIDs, other.Tokens.ViewedOptionIDs)
	exploratory := len(viewed)
	// A minimal copy cleared its set but kept the count.
	for _, s := range []model.State{base, other} {
		if s.ReductionLevel == model.LevelMinimal {
			exploratory = max(exploratory, s.Tokens.ExploratoryCount)
		}
	}
	return model.Tokens{
		CorrectCount:     max(base.Tokens.CorrectCount, other.Tokens.CorrectCount),
		ExploratoryCount: exploratory,
		ViewedOptionIDs:  viewed,
	}
}

func mergeAttempts(base, other []model.MCQAttempt) []model.MCQAttempt {
	seen := make(map[model.AttemptKey]struct{}, len(base)+len(other))
	out := make([]model.MCQAttempt, 0, len(base)+len(other))
	for _, list := range [][]model.MCQAttempt{base, other} {
		for _, a := range list {
			if _, dup := seen[a.Key()]; dup {
				continue
			}
			seen[a.Key()] = struct{}{}
			a.SelectedOptions = slices.Clone(a.SelectedOptions)
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(x, y model.MCQAttempt) int {
		return cmp.Compare(x.Timestamp, y.Timestamp)
	})
	return out
}

func mergeBadges(base, other []model.Badge) []model.Badge {
	seen := make(map[string]struct{}, len(base)+len(other))
	out := make([]model.Badge, 0, len(base)+len(other))
	for _, list := range [][]model.Badge{base, other} {
		for _, b := range list {
			if _, dup := seen[b.ID]; dup {
				continue
			}
			seen[b.ID] = struct{}{}
			if b.EarnedAt != nil {
				at := *b.EarnedAt
				b.EarnedAt = &at
			}
			out = append(out, b)
		}
	}
	return out
}

func mergeProgress(base, other model.ProgressMap) model.ProgressMap {
	if base == nil && other == nil {
		return nil
	}
	out := make(model.ProgressMap, len(base)+len(other))
	for k, v := range base {
		out[k] = union(v, other[k])
	}
	for k, v := range other {
		if _, ok := out[k]; !ok {
			out[k] = union(nil, v)
		}
	}
	return out
}

func mergeReflections(base, other map[string]string) map[string]string {
	if base == nil && other == nil {
		return nil
	}
	out := make(map[string]string, len(base)+len(other))
	for k, v := range other {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}

// union returns the distinct items of a then b, in first-seen order.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
