package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/lmsstate/internal/model"
)

var now = time.UnixMilli(1_800_000_000_000)

func stateAt(ts int64) model.State {
	s := model.New()
	s.Timestamp = ts
	return s
}

func attempt(q string, ts int64) model.MCQAttempt {
	return model.MCQAttempt{QuestionID: q, SelectedOptions: []string{"a"}, Score: 1, Cluster: "c", Timestamp: ts}
}

func TestReconcileAbsentCases(t *testing.T) {
	s := stateAt(100)

	res := Reconcile(nil, nil, now)
	assert.Nil(t, res.State)
	assert.Equal(t, model.SourceNone, res.Source)

	res = Reconcile(&s, nil, now)
	require.NotNil(t, res.State)
	assert.Equal(t, model.SourceLMS, res.Source)
	assert.Equal(t, int64(100), res.State.Timestamp)

	res = Reconcile(nil, &s, now)
	require.NotNil(t, res.State)
	assert.Equal(t, model.SourceLocal, res.Source)
	assert.False(t, res.MultiTabWarning)
}

func TestMergeViewedOptionUnion(t *testing.T) {
	a := stateAt(1000)
	a.Tokens = model.Tokens{CorrectCount: 2, ExploratoryCount: 2, ViewedOptionIDs: []string{"o1", "o2"}}
	b := stateAt(2000)
	b.Tokens = model.Tokens{CorrectCount: 5, ExploratoryCount: 2, ViewedOptionIDs: []string{"o2", "o3"}}

	got := Merge(a, b, now)
	assert.ElementsMatch(t, []string{"o1", "o2", "o3"}, got.Tokens.ViewedOptionIDs)
	assert.Equal(t, 3, got.Tokens.ExploratoryCount)
	assert.Equal(t, 5, got.Tokens.CorrectCount)
}

func TestMergeExploratoryCountKeepsMinimalCount(t *testing.T) {
	minimal := stateAt(3000)
	minimal.ReductionLevel = model.LevelMinimal
	minimal.Tokens = model.Tokens{ExploratoryCount: 6, ViewedOptionIDs: []string{}}
	local := stateAt(2000)
	local.Tokens = model.Tokens{ExploratoryCount: 2, ViewedOptionIDs: []string{"o1", "o2"}}

	got := Merge(minimal, local, now)
	assert.Equal(t, 6, got.Tokens.ExploratoryCount)
	assert.Equal(t, []string{"o1", "o2"}, got.Tokens.ViewedOptionIDs)
}

func TestMergeAttemptDedup(t *testing.T) {
	a := stateAt(1000)
	a.MCQAttempts = []model.MCQAttempt{attempt("shared", 20), attempt("only-a", 30)}
	b := stateAt(9000)
	b.MCQAttempts = []model.MCQAttempt{attempt("only-b", 10), attempt("shared", 20)}

	got := Merge(a, b, now)
	require.Len(t, got.MCQAttempts, 3)
	assert.Equal(t, "only-b", got.MCQAttempts[0].QuestionID)
	assert.Equal(t, "shared", got.MCQAttempts[1].QuestionID)
	assert.Equal(t, "only-a", got.MCQAttempts[2].QuestionID)
	for i := 1; i < len(got.MCQAttempts); i++ {
		assert.LessOrEqual(t, got.MCQAttempts[i-1].Timestamp, got.MCQAttempts[i].Timestamp)
	}
}

func TestMergeSameQuestionDifferentTimesAreDistinct(t *testing.T) {
	a := stateAt(1000)
	a.MCQAttempts = []model.MCQAttempt{attempt("q1", 10)}
	b := stateAt(2000)
	b.MCQAttempts = []model.MCQAttempt{attempt("q1", 11)}

	got := Merge(a, b, now)
	assert.Len(t, got.MCQAttempts, 2)
}

func TestMergeBaseSelectionAndScalars(t *testing.T) {
	older := stateAt(1000)
	older.CurrentLevel = 5
	older.CurrentCaseID = "case-old"
	older.Points = map[string]int{"diagnosis": 50, "history": 10}
	older.Theme = "light"

	newer := stateAt(90_000)
	newer.CurrentLevel = 2
	newer.CurrentCaseID = "case-new"
	newer.Points = map[string]int{"diagnosis": 30, "treatment": 7}
	newer.Theme = "dark"

	for _, order := range []string{"newer first", "older first"} {
		t.Run(order, func(t *testing.T) {
			var got model.State
			if order == "newer first" {
				got = Merge(newer, older, now)
			} else {
				got = Merge(older, newer, now)
			}
			assert.Equal(t, 2, got.CurrentLevel)
			assert.Equal(t, "case-new", got.CurrentCaseID)
			assert.Equal(t, "dark", got.Theme)
			assert.Equal(t, map[string]int{"diagnosis": 50, "history": 10, "treatment": 7}, got.Points)
			assert.Equal(t, now.UnixMilli(), got.Timestamp)
			assert.Empty(t, got.ReductionLevel)
		})
	}
}

func TestMergeTieUsesSecondArgument(t *testing.T) {
	a := stateAt(500)
	a.CurrentCaseID = "from-a"
	b := stateAt(500)
	b.CurrentCaseID = "from-b"

	assert.Equal(t, "from-b", Merge(a, b, now).CurrentCaseID)
}

func TestMergeBadges(t *testing.T) {
	earned := int64(42)
	a := stateAt(1000)
	a.Badges = []model.Badge{{ID: "b1", Name: "old name"}, {ID: "b2", Name: "two"}}
	b := stateAt(2000)
	b.Badges = []model.Badge{{ID: "b1", Name: "new name", EarnedAt: &earned}, {ID: "b3", Name: "three"}}

	got := Merge(a, b, now)
	require.Len(t, got.Badges, 3)
	assert.Equal(t, "new name", got.Badges[0].Name)
	ids := []string{got.Badges[0].ID, got.Badges[1].ID, got.Badges[2].ID}
	assert.ElementsMatch(t, []string{"b1", "b2", "b3"}, ids)
}

func TestMergeProgressMaps(t *testing.T) {
	a := stateAt(1000)
	a.ResourcesRead = model.ProgressMap{"case-1": {"r1", "r2"}, "case-2": {"r5"}}
	a.PodcastsCompleted = model.ProgressMap{"case-1": {"p1"}}
	a.Reflections = map[string]string{"case-1": "older note", "case-2": "only in a"}
	b := stateAt(2000)
	b.ResourcesRead = model.ProgressMap{"case-1": {"r2", "r3", "r3"}, "case-3": {"r9"}}
	b.Reflections = map[string]string{"case-1": "newer note"}

	got := Merge(a, b, now)
	assert.Equal(t, []string{"r2", "r3", "r1"}, got.ResourcesRead["case-1"])
	assert.Equal(t, []string{"r5"}, got.ResourcesRead["case-2"])
	assert.Equal(t, []string{"r9"}, got.ResourcesRead["case-3"])
	assert.Equal(t, []string{"p1"}, got.PodcastsCompleted["case-1"])
	assert.Nil(t, got.PodcastsInProgress)
	assert.Equal(t, "newer note", got.Reflections["case-1"])
	assert.Equal(t, "only in a", got.Reflections["case-2"])
}

func TestMergeIdempotentOnIdenticalInput(t *testing.T) {
	s := stateAt(1000)
	s.Points = map[string]int{"diagnosis": 12}
	s.Badges = []model.Badge{{ID: "b1"}}
	s.Tokens = model.Tokens{CorrectCount: 1, ExploratoryCount: 1, ViewedOptionIDs: []string{"o1"}}
	s.MCQAttempts = []model.MCQAttempt{attempt("q1", 1), attempt("q2", 2)}

	got := Merge(s, s.Clone(), now)
	assert.Equal(t, s.Points, got.Points)
	assert.Equal(t, s.Badges, got.Badges)
	assert.Equal(t, s.MCQAttempts, got.MCQAttempts)
	assert.Equal(t, s.Tokens, got.Tokens)
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	a := stateAt(1000)
	a.MCQAttempts = []model.MCQAttempt{attempt("q1", 1)}
	b := stateAt(2000)
	b.Tokens.ViewedOptionIDs = []string{"o1"}

	got := Merge(a, b, now)
	got.MCQAttempts[0].SelectedOptions[0] = "changed"
	got.Tokens.ViewedOptionIDs[0] = "changed"
	assert.Equal(t, "a", a.MCQAttempts[0].SelectedOptions[0])
	assert.Equal(t, "o1", b.Tokens.ViewedOptionIDs[0])
}

func TestMultiTab(t *testing.T) {
	tests := []struct {
		name string
		a, b int64
		want bool
	}{
		{"2s apart", 10_000, 12_000, true},
		{"reverse order", 12_000, 10_000, true},
		{"60s apart", 10_000, 70_000, false},
		{"identical", 10_000, 10_000, false},
		{"exactly window", 10_000, 15_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MultiTab(tt.a, tt.b))
		})
	}

	a, b := stateAt(10_000), stateAt(12_000)
	res := Reconcile(&a, &b, now)
	assert.True(t, res.MultiTabWarning)
	assert.Equal(t, model.SourceMerged, res.Source)

	c := stateAt(70_000)
	assert.False(t, Reconcile(&a, &c, now).MultiTabWarning)
}
