package lms

import (
	"log/slog"
	"sync"
)

// Backing persists a memory host's values across restarts. *store.Bucket satisfies it.
type Backing interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// persistedKeys are the stored elements, in the host's own (unmapped) key form.
var (
	persistedKeys12   = []string{KeySuspendData, KeyLessonStatus, KeyLessonLoc, KeyScoreRaw, KeyScoreMin, KeyScoreMax}
	persistedKeys2004 = []string{KeySuspendData, "cmi.completion_status", keySuccessStatus, "cmi.location", "cmi.score.raw", "cmi.score.min", "cmi.score.max", keyScoreScaled}
)

// Error codes shared by both revisions' simulated hosts.
const (
	codeNoError        = "0"
	codeGeneral        = "101"
	codeNotInitialized = "301"
	codeTooLong        = "405"
)

var errorStrings = map[string]string{
	codeNoError:        "No error",
	codeGeneral:        "General exception",
	codeNotInitialized: "Not initialized",
	codeTooLong:        "Value exceeds the element's size limit",
}

// memoryHost holds the data model shared by both simulated revisions.
type memoryHost struct {
	mu           sync.Mutex
	data         map[string]string
	backing      Backing
	keys         []string
	hardLimit    int
	open         bool
	lastError    string
	commits      int
	// rejectWrites makes every set and commit fail, simulating a host that refuses data.
	rejectWrites bool
}

func newMemoryHost(backing Backing, keys []string, hardLimit int) *memoryHost {
	return &memoryHost{
		data:      map[string]string{},
		backing:   backing,
		keys:      keys,
		hardLimit: hardLimit,
		lastError: codeNoError,
	}
}

func (h *memoryHost) initialize() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backing != nil {
		for _, k := range h.keys {
			v, err := h.backing.Get(k)
			if err != nil {
				slog.Warn("memory host: load failed", "key", k, "error", err)
				h.lastError = codeGeneral
				return hostFalse
			}
			if v != "" {
				h.data[k] = v
			}
		}
	}
	h.open = true
	h.lastError = codeNoError
	return hostTrue
}

func (h *memoryHost) finish() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		h.lastError = codeNotInitialized
		return hostFalse
	}
	h.open = false
	h.lastError = codeNoError
	return hostTrue
}

func (h *memoryHost) get(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		h.lastError = codeNotInitialized
		return ""
	}
	h.lastError = codeNoError
	return h.data[key]
}

func (h *memoryHost) set(key, value string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		h.lastError = codeNotInitialized
		return hostFalse
	}
	if h.rejectWrites {
		h.lastError = codeGeneral
		return hostFalse
	}
	if key == KeySuspendData && len(value) > h.hardLimit {
		h.lastError = codeTooLong
		return hostFalse
	}
	h.data[key] = value
	h.lastError = codeNoError
	return hostTrue
}

func (h *memoryHost) commit() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		h.lastError = codeNotInitialized
		return hostFalse
	}
	if h.rejectWrites {
		h.lastError = codeGeneral
		return hostFalse
	}
	if h.backing != nil {
		for _, k := range h.keys {
			if err := h.backing.Set(k, h.data[k]); err != nil {
				slog.Warn("memory host: persist failed", "key", k, "error", err)
				h.lastError = codeGeneral
				return hostFalse
			}
		}
	}
	h.commits++
	h.lastError = codeNoError
	return hostTrue
}

func (h *memoryHost) errorCode() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// Value returns a raw element without the session checks, for inspection.
func (h *memoryHost) Value(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data[key]
}

// Commits reports how many commits succeeded.
func (h *memoryHost) Commits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commits
}

// SetRejectWrites toggles write rejection.
func (h *memoryHost) SetRejectWrites(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectWrites = v
}

// Host12 is an in-memory SCORM 1.2 runtime.
type Host12 struct{ *memoryHost }

var _ API12 = (*Host12)(nil)

// NewHost12 returns a 1.2 host. backing may be nil.
func NewHost12(backing Backing) *Host12 {
	return &Host12{newMemoryHost(backing, persistedKeys12, HardLimit12)}
}

func (h *Host12) LMSInitialize(string) string { return h.initialize() }
func (h *Host12) LMSFinish(string) string { return h.finish() }
func (h *Host12) LMSGetValue(key string) string { return h.get(key) }
func (h *Host12) LMSSetValue(key, value string) string { return h.set(key, value) }
func (h *Host12) LMSCommit(string) string { return h.commit() }
func (h *Host12) LMSGetLastError() string { return h.errorCode() }
func (h *Host12) LMSGetErrorString(code string) string { return errorStrings[code] }

// Host2004 is an in-memory SCORM 2004 runtime.
type Host2004 struct{ *memoryHost }

var _ API2004 = (*Host2004)(nil)

// NewHost2004 returns a 2004 host. backing may be nil.
func NewHost2004(backing Backing) *Host2004 {
	return &Host2004{newMemoryHost(backing, persistedKeys2004, HardLimit2004)}
}

func (h *Host2004) Initialize(string) string { return h.initialize() }
func (h *Host2004) Terminate(string) string { return h.finish() }
func (h *Host2004) GetValue(key string) string { return h.get(key) }
func (h *Host2004) SetValue(key, value string) string { return h.set(key, value) }
func (h *Host2004) Commit(string) string { return h.commit() }
func (h *Host2004) GetLastError() string { return h.errorCode() }
func (h *Host2004) GetErrorString(code string) string { return errorStrings[code] }
