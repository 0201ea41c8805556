// Package lms wraps the host-provided LMS runtime API.
//
// Two incompatible revisions exist in the field: SCORM 1.2 (object "API", LMS-prefixed calls)
// and SCORM 2004 (object "API_1484_11"). Callers always speak the 1.2 data model; the adapter
// rewrites keys and status values for 2004 hosts.
package lms

// Host object names looked up on each window.
const (
	NameAPI12   = "API"
	NameAPI2004 = "API_1484_11"
)

// Success and failure sentinels returned by host calls.
const (
	hostTrue  = "true"
	hostFalse = "false"
)

// API12 is the SCORM 1.2 runtime object.
type API12 interface {
	LMSInitialize(arg string) string
	LMSFinish(arg string) string
	LMSGetValue(key string) string
	LMSSetValue(key, value string) string
	LMSCommit(arg string) string
	LMSGetLastError() string
	LMSGetErrorString(code string) string
}

// API2004 is the SCORM 2004 runtime object.
type API2004 interface {
	Initialize(arg string) string
	Terminate(arg string) string
	GetValue(key string) string
	SetValue(key, value string) string
	Commit(arg string) string
	GetLastError() string
	GetErrorString(code string) string
}

// Window is one node of the frame hierarchy the course runs in.
type Window interface {
	// Lookup returns the global object with the given name, or nil.
	Lookup(name string) any
	// Parent returns the enclosing window; a top-level window returns nil or itself.
	Parent() Window
	// Opener returns the window that opened this popup, or nil.
	Opener() Window
}

// Frame is a static Window, used to mount hosts in tests and in the demo server.
type Frame struct {
	Objects     map[string]any
	ParentFrame *Frame
	OpenerFrame *Frame
}

func (f *Frame) Lookup(name string) any {
	if f == nil || f.Objects == nil {
		return nil
	}
	return f.Objects[name]
}

func (f *Frame) Parent() Window {
	if f == nil || f.ParentFrame == nil {
		return nil
	}
	return f.ParentFrame
}

func (f *Frame) Opener() Window {
	if f == nil || f.OpenerFrame == nil {
		return nil
	}
	return f.OpenerFrame
}

// Revision identifies which host API was found.
type Revision string

const (
	RevisionNone Revision = "none"
	Revision12   Revision = "1.2"
	Revision2004 Revision = "2004"
)

// DefaultMaxHops bounds the parent walk.
const DefaultMaxHops = 10

// Discover walks from w up the parent chain, then up the opener's chain, looking for a host API.
// The 2004 object is preferred when a window exposes both.
func Discover(w Window, maxHops int) (any, Revision) {
	if w == nil {
		return nil, RevisionNone
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	api, rev, top := walk(w, maxHops)
	if rev != RevisionNone {
		return api, rev
	}
	for _, start := range []Window{w.Opener(), openerOf(top)} {
		if start == nil {
			continue
		}
		if api, rev, _ := walk(start, maxHops); rev != RevisionNone {
			return api, rev
		}
	}
	return nil, RevisionNone
}

func openerOf(w Window) Window {
	if w == nil {
		return nil
	}
	return w.Opener()
}

// walk returns the first API found and the last window visited.
func walk(w Window, maxHops int) (any, Revision, Window) {
	cur := w
	for hop := 0; cur != nil && hop <= maxHops; hop++ {
		if api, rev := probe(cur); rev != RevisionNone {
			return api, rev, cur
		}
		parent := cur.Parent()
		if parent == nil || parent == cur {
			break
		}
		cur = parent
	}
	return nil, RevisionNone, cur
}

func probe(w Window) (any, Revision) {
	if api, ok := w.Lookup(NameAPI2004).(API2004); ok {
		return api, Revision2004
	}
	if api, ok := w.Lookup(NameAPI12).(API12); ok {
		return api, Revision12
	}
	return nil, RevisionNone
}
