package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// SchemaVersion is the current revision of the persisted document.
// Stored documents with a lower version are discarded on load.
const SchemaVersion = 3

// ReductionLevel records which projection of the state was persisted to the LMS.
type ReductionLevel string

const (
	// LevelFull is the identity projection.
	LevelFull ReductionLevel = "full"
	// LevelReduced drops cosmetic fields and truncates the attempt log.
	LevelReduced ReductionLevel = "reduced"
	// LevelMinimal keeps totals, badges and theme only.
	LevelMinimal ReductionLevel = "minimal"
)

// Source identifies where a loaded state came from.
type Source string

const (
	SourceNone   Source = "none"
	SourceLMS    Source = "lms"
	SourceLocal  Source = "local"
	SourceMerged Source = "merged"
)

// BadgeType classifies badges.
type BadgeType string

const (
	BadgeAchievement BadgeType = "achievement"
	BadgeMilestone   BadgeType = "milestone"
	BadgeMastery     BadgeType = "mastery"
)

// Badge is an earned or earnable badge. Badges are keyed by ID.
type Badge struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        BadgeType `json:"type"`
	EarnedAt    *int64    `json:"earnedAt,omitempty"`
}

// MCQAttempt is one entry of the append-only attempt log.
// Two attempts are the same attempt when QuestionID and Timestamp match.
type MCQAttempt struct {
	QuestionID      string   `json:"questionId"`
	SelectedOptions []string `json:"selectedOptions"`
	Score           int      `json:"score"`
	Cluster         string   `json:"cluster"`
	Timestamp       int64    `json:"timestamp"`
}

// AttemptKey is the identity of an attempt.
type AttemptKey struct {
	QuestionID string
	Timestamp  int64
}

// Key returns the identity of the attempt.
func (a MCQAttempt) Key() AttemptKey {
	return AttemptKey{QuestionID: a.QuestionID, Timestamp: a.Timestamp}
}

// Tokens tracks correct answers and explored options.
// ExploratoryCount mirrors len(ViewedOptionIDs) except in minimal snapshots,
// where the set is cleared and the count is kept on its own.
type Tokens struct {
	CorrectCount     int      `json:"correctCount"`
	ExploratoryCount int      `json:"exploratoryCount"`
	ViewedOptionIDs  []string `json:"viewedOptionIds"`
}

// ProgressMap maps a case ID to the item IDs tracked for it, with set semantics per case.
type ProgressMap map[string][]string

// State is the single persisted document for a learner.
type State struct {
	StateVersion   int            `json:"stateVersion"`
	Timestamp      int64          `json:"timestamp"`
	ReductionLevel ReductionLevel `json:"reductionLevel,omitempty"`

	CurrentLevel         int    `json:"currentLevel"`
	CurrentCaseID        string `json:"currentCaseId"`
	CurrentQuestionIndex int    `json:"currentQuestionIndex"`

	// Points holds cumulative totals per scoring category.
	Points map[string]int `json:"points"`

	Tokens      Tokens       `json:"tokens"`
	Badges      []Badge      `json:"badges"`
	MCQAttempts []MCQAttempt `json:"mcqAttempts"`

	ResourcesRead      ProgressMap `json:"resourcesRead,omitempty"`
	PodcastsCompleted  ProgressMap `json:"podcastsCompleted,omitempty"`
	PodcastsInProgress ProgressMap `json:"podcastsInProgress,omitempty"`

	// Reflections is learner free text keyed by prompt ID.
	Reflections map[string]string `json:"reflections,omitempty"`
	// SectionsViewed is per-section view tracking keyed by case ID.
	SectionsViewed ProgressMap `json:"sectionsViewed,omitempty"`

	Theme string `json:"theme,omitempty"`
}

// New returns an empty state at the current schema version.
func New() State {
	return State{
		StateVersion: SchemaVersion,
		Points:       map[string]int{},
		Tokens:       Tokens{ViewedOptionIDs: []string{}},
		Badges:       []Badge{},
		MCQAttempts:  []MCQAttempt{},
	}
}

// TotalPoints sums all point categories.
func (s State) TotalPoints() int {
	total := 0
	for _, p := range s.Points {
		total += p
	}
	return total
}

// Clone returns a deep copy so projections and merges never alias caller slices.
// Empty optional maps come back nil, matching what a JSON round trip yields.
func (s State) Clone() State {
	c := s
	c.Points = maps.Clone(s.Points)
	c.Tokens.ViewedOptionIDs = slices.Clone(s.Tokens.ViewedOptionIDs)
	c.Badges = make([]Badge, len(s.Badges))
	for i, b := range s.Badges {
		if b.EarnedAt != nil {
			at := *b.EarnedAt
			b.EarnedAt = &at
		}
		c.Badges[i] = b
	}
	c.MCQAttempts = make([]MCQAttempt, len(s.MCQAttempts))
	for i, a := range s.MCQAttempts {
		a.SelectedOptions = slices.Clone(a.SelectedOptions)
		c.MCQAttempts[i] = a
	}
	c.ResourcesRead = s.ResourcesRead.Clone()
	c.PodcastsCompleted = s.PodcastsCompleted.Clone()
	c.PodcastsInProgress = s.PodcastsInProgress.Clone()
	c.SectionsViewed = s.SectionsViewed.Clone()
	c.Reflections = nil
	if len(s.Reflections) > 0 {
		c.Reflections = maps.Clone(s.Reflections)
	}
	return c
}

// Clone deep-copies the map. An empty map clones to nil.
func (m ProgressMap) Clone() ProgressMap {
	if len(m) == 0 {
		return nil
	}
	c := make(ProgressMap, len(m))
	for k, v := range m {
		c[k] = slices.Clone(v)
	}
	return c
}

// Marshal serializes the state as JSON.
func Marshal(s State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// Unmarshal parses a document and normalizes nil collections.
// It does not check the schema version; see Validate.
func Unmarshal(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	s.normalize()
	return s, nil
}

// Validate reports whether the document is readable at the current schema version.
func Validate(s State) error {
	if s.StateVersion < SchemaVersion {
		return fmt.Errorf("state version %d is older than %d", s.StateVersion, SchemaVersion)
	}
	return nil
}

func (s *State) normalize() {
	if s.Points == nil {
		s.Points = map[string]int{}
	}
	if s.Tokens.ViewedOptionIDs == nil {
		s.Tokens.ViewedOptionIDs = []string{}
	}
	if s.Badges == nil {
		s.Badges = []Badge{}
	}
	if s.MCQAttempts == nil {
		s.MCQAttempts = []MCQAttempt{}
	}
}
