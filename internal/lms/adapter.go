package lms

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Data model keys in 1.2 form. The adapter remaps them on 2004 hosts.
const (
	KeySuspendData   = "cmi.suspend_data"
	KeyLessonStatus  = "cmi.core.lesson_status"
	KeyLessonLoc     = "cmi.core.lesson_location"
	KeyScoreRaw      = "cmi.core.score.raw"
	KeyScoreMin      = "cmi.core.score.min"
	KeyScoreMax      = "cmi.core.score.max"
	KeyExit          = "cmi.core.exit"
	KeyEntry         = "cmi.core.entry"
	KeySessionTime   = "cmi.core.session_time"
	KeyStudentID     = "cmi.core.student_id"
	KeyStudentName   = "cmi.core.student_name"
	KeyTotalTime     = "cmi.core.total_time"
	keySuccessStatus = "cmi.success_status"
	keyScoreScaled   = "cmi.score.scaled"
)

// Suspend-data budgets. The safe limits leave room for encoding overhead below the hard limit.
const (
	HardLimit12   = 4096
	SafeLimit12   = 3200
	HardLimit2004 = 64000
	SafeLimit2004 = 60000
)

var keys2004 = map[string]string{
	KeyLessonStatus: "cmi.completion_status",
	KeyLessonLoc:    "cmi.location",
	KeyScoreRaw:     "cmi.score.raw",
	KeyScoreMin:     "cmi.score.min",
	KeyScoreMax:     "cmi.score.max",
	KeyExit:         "cmi.exit",
	KeyEntry:        "cmi.entry",
	KeySessionTime:  "cmi.session_time",
	KeyStudentID:    "cmi.learner_id",
	KeyStudentName:  "cmi.learner_name",
	KeyTotalTime:    "cmi.total_time",
}

// Status is a lesson status in 1.2 vocabulary.
type Status string

const (
	StatusNotAttempted Status = "not attempted"
	StatusIncomplete   Status = "incomplete"
	StatusCompleted    Status = "completed"
	StatusPassed       Status = "passed"
	StatusFailed       Status = "failed"
	StatusBrowsed      Status = "browsed"
)

// ParseStatus accepts either revision's vocabulary.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "not attempted", "not_attempted", "unknown":
		return StatusNotAttempted, nil
	case "incomplete":
		return StatusIncomplete, nil
	case "completed":
		return StatusCompleted, nil
	case "passed":
		return StatusPassed, nil
	case "failed":
		return StatusFailed, nil
	case "browsed":
		return StatusBrowsed, nil
	default:
		return "", fmt.Errorf("unknown lesson status %q", s)
	}
}

// Adapter is a version-normalizing wrapper around a discovered host API.
// Every method is a soft operation: failures are logged and reported as false, never panics.
type Adapter struct {
	mu          sync.Mutex
	window      Window
	maxHops     int
	log         *slog.Logger
	api12       API12
	api2004     API2004
	revision    Revision
	initialized bool
	terminated  bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithMaxHops bounds the frame walk.
func WithMaxHops(n int) Option {
	return func(a *Adapter) { a.maxHops = n }
}

// NewAdapter creates an adapter that will search from w. A nil window means no host.
func NewAdapter(w Window, opts ...Option) *Adapter {
	a := &Adapter{window: w, maxHops: DefaultMaxHops, log: slog.Default(), revision: RevisionNone}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "lms")
	return a
}

// Initialize discovers the host and performs the handshake.
// It returns false, not an error, when no host is reachable.
func (a *Adapter) Initialize(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return true
	}
	if err := ctx.Err(); err != nil {
		a.log.Warn("initialize cancelled", "error", err)
		return false
	}

	api, rev := Discover(a.window, a.maxHops)
	switch rev {
	case Revision2004:
		a.api2004 = api.(API2004)
	case Revision12:
		a.api12 = api.(API12)
	default:
		a.log.Info("no LMS host API found, running in local-only mode")
		return false
	}
	a.revision = rev

	if !a.invoke("initialize", func() string {
		if a.api2004 != nil {
			return a.api2004.Initialize("")
		}
		return a.api12.LMSInitialize("")
	}) {
		a.api12, a.api2004, a.revision = nil, nil, RevisionNone
		return false
	}
	a.initialized = true
	a.terminated = false
	a.log.Info("LMS session initialized", "revision", rev)
	return true
}

// Available reports whether an initialized, not yet terminated host session exists.
func (a *Adapter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready()
}

// Revision reports the detected host revision.
func (a *Adapter) Revision() Revision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revision
}

// SizeLimit returns the safe suspend-data budget in bytes, or 0 without a host.
func (a *Adapter) SizeLimit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.revision {
	case Revision2004:
		return SafeLimit2004
	case Revision12:
		return SafeLimit12
	default:
		return 0
	}
}

// GetValue reads a data model element.
func (a *Adapter) GetValue(ctx context.Context, key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usable(ctx, "get") {
		return "", false
	}
	if a.api2004 != nil && key == KeyLessonStatus {
		return a.lessonStatus2004()
	}
	return a.get(key)
}

// SetValue writes a data model element.
func (a *Adapter) SetValue(ctx context.Context, key, value string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usable(ctx, "set") {
		return false
	}
	switch key {
	case KeyLessonStatus:
		st, err := ParseStatus(value)
		if err != nil {
			a.log.Warn("rejecting lesson status", "value", value, "error", err)
			return false
		}
		return a.setStatus(st)
	case KeyExit:
		return a.setExit(value)
	}
	return a.set(key, value)
}

// Commit asks the host to persist pending values.
func (a *Adapter) Commit(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usable(ctx, "commit") {
		return false
	}
	return a.commit()
}

// Terminate marks the session suspended, commits and closes it.
func (a *Adapter) Terminate(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usable(ctx, "terminate") {
		return false
	}
	a.setExit("suspend")
	a.commit()
	ok := a.invoke("terminate", func() string {
		if a.api2004 != nil {
			return a.api2004.Terminate("")
		}
		return a.api12.LMSFinish("")
	})
	a.terminated = true
	return ok
}

// SetCompletionStatus reports lesson status in either vocabulary.
func (a *Adapter) SetCompletionStatus(ctx context.Context, status string) bool {
	st, err := ParseStatus(status)
	if err != nil {
		a.log.Warn("rejecting lesson status", "value", status, "error", err)
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usable(ctx, "set status") {
		return false
	}
	return a.setStatus(st)
}

// SetScore reports a raw score out of max with a minimum of 0.
func (a *Adapter) SetScore(ctx context.Context, value, max float64) bool {
	if max <= 0 || value < 0 || value > max {
		a.log.Warn("rejecting score", "value", value, "max", max)
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.usable(ctx, "set score") {
		return false
	}
	ok := a.set(KeyScoreMin, "0") &&
		a.set(KeyScoreMax, formatScore(max)) &&
		a.set(KeyScoreRaw, formatScore(value))
	if ok && a.api2004 != nil {
		ok = a.invoke("set "+keyScoreScaled, func() string {
			return a.api2004.SetValue(keyScoreScaled, formatScore(value/max))
		})
	}
	return ok
}

// LastError returns the host's last error code and message, for diagnostics.
func (a *Adapter) LastError() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError()
}

func (a *Adapter) ready() bool {
	return a.initialized && !a.terminated
}

func (a *Adapter) usable(ctx context.Context, op string) bool {
	if !a.ready() {
		a.log.Debug("LMS call skipped, no session", "op", op)
		return false
	}
	if err := ctx.Err(); err != nil {
		a.log.Warn("LMS call cancelled", "op", op, "error", err)
		return false
	}
	return true
}

func (a *Adapter) get(key string) (string, bool) {
	var value string
	ok := a.guard("get "+key, func() {
		if a.api2004 != nil {
			value = a.api2004.GetValue(remap(key))
			return
		}
		value = a.api12.LMSGetValue(key)
	})
	if !ok {
		return "", false
	}
	// An empty value is ambiguous; the error code tells a missing element from a failure.
	if value == "" {
		if code, msg := a.lastError(); code != "" && code != "0" {
			a.log.Warn("LMS get failed", "key", key, "code", code, "message", msg)
			return "", false
		}
	}
	return value, true
}

func (a *Adapter) set(key, value string) bool {
	return a.invoke("set "+key, func() string {
		if a.api2004 != nil {
			return a.api2004.SetValue(remap(key), value)
		}
		return a.api12.LMSSetValue(key, value)
	})
}

func (a *Adapter) commit() bool {
	return a.invoke("commit", func() string {
		if a.api2004 != nil {
			return a.api2004.Commit("")
		}
		return a.api12.LMSCommit("")
	})
}

func (a *Adapter) setExit(value string) bool {
	if a.api2004 == nil && value == "normal" {
		value = ""
	}
	return a.set(KeyExit, value)
}

func (a *Adapter) setStatus(st Status) bool {
	if a.api12 != nil {
		return a.set(KeyLessonStatus, string(st))
	}
	completion, success := status2004(st)
	ok := a.set(KeyLessonStatus, completion)
	if success != "" {
		ok = a.invoke("set "+keySuccessStatus, func() string {
			return a.api2004.SetValue(keySuccessStatus, success)
		}) && ok
	}
	return ok
}

func (a *Adapter) lessonStatus2004() (string, bool) {
	var success string
	if !a.guard("get "+keySuccessStatus, func() { success = a.api2004.GetValue(keySuccessStatus) }) {
		return "", false
	}
	if success == "passed" || success == "failed" {
		return success, true
	}
	completion, ok := a.get(KeyLessonStatus)
	if !ok {
		return "", false
	}
	switch completion {
	case "", "unknown", "not attempted":
		return string(StatusNotAttempted), true
	}
	return completion, true
}

func status2004(st Status) (completion, success string) {
	switch st {
	case StatusPassed, StatusFailed:
		return string(StatusCompleted), string(st)
	case StatusBrowsed:
		return string(StatusIncomplete), ""
	default:
		return string(st), ""
	}
}

func (a *Adapter) lastError() (string, string) {
	var code, msg string
	a.guard("last error", func() {
		if a.api2004 != nil {
			code = a.api2004.GetLastError()
			msg = a.api2004.GetErrorString(code)
		} else if a.api12 != nil {
			code = a.api12.LMSGetLastError()
			msg = a.api12.LMSGetErrorString(code)
		}
	})
	return code, msg
}

// invoke runs a host call that returns a "true"/"false" sentinel.
func (a *Adapter) invoke(op string, fn func() string) bool {
	var res string
	if !a.guard(op, func() { res = fn() }) {
		return false
	}
	if res != hostTrue {
		code, msg := a.lastError()
		a.log.Warn("LMS call failed", "op", op, "result", res, "code", code, "message", msg)
		return false
	}
	return true
}

// guard converts a panicking host call into a logged soft failure.
func (a *Adapter) guard(op string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("LMS host call panicked", "op", op, "panic", r)
			ok = false
		}
	}()
	fn()
	return true
}

func remap(key string) string {
	if k, ok := keys2004[key]; ok {
		return k
	}
	return key
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
