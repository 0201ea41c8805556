package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/lmsstate/internal/codec"
	"github.com/pavelanni/lmsstate/internal/lms"
	"github.com/pavelanni/lmsstate/internal/model"
)

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_750_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// memLocal is an in-memory LocalStore.
type memLocal struct {
	mu      sync.Mutex
	data    map[string]string
	failSet bool
}

func newMemLocal() *memLocal { return &memLocal{data: map[string]string{}} }

func (m *memLocal) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memLocal) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("quota exceeded")
	}
	m.data[key] = value
	return nil
}

func (m *memLocal) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memLocal) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

type memBacking map[string]string

func (m memBacking) Get(key string) (string, error) { return m[key], nil }
func (m memBacking) Set(key, value string) error { m[key] = value; return nil }

type fixture struct {
	engine *Engine
	host   *lms.Host12
	local  *memLocal
	clock  *fakeClock
	codec  *codec.Codec
}

// newFixture builds an engine over a SCORM 1.2 memory host. A nil backing gives an empty LMS.
func newFixture(t *testing.T, backing lms.Backing, opts ...Option) *fixture {
	t.Helper()
	c, err := codec.New("zstd")
	require.NoError(t, err)
	f := &fixture{
		host:  lms.NewHost12(backing),
		local: newMemLocal(),
		clock: newFakeClock(),
		codec: c,
	}
	adapter := lms.NewAdapter(&lms.Frame{Objects: map[string]any{lms.NameAPI12: f.host}})
	opts = append([]Option{WithClock(f.clock)}, opts...)
	f.engine = New(adapter, f.local, c, opts...)
	return f
}

// lmsState decodes what the host currently holds.
func (f *fixture) lmsState(t *testing.T) model.State {
	t.Helper()
	raw := f.host.Value(lms.KeySuspendData)
	require.NotEmpty(t, raw, "LMS holds no suspend data")
	s, err := f.codec.DecodeState(raw)
	require.NoError(t, err)
	return s
}

func (f *fixture) localState(t *testing.T) model.State {
	t.Helper()
	raw, _ := f.local.Get(DefaultStorageKey)
	require.NotEmpty(t, raw, "local storage holds no state")
	s, err := model.Unmarshal([]byte(raw))
	require.NoError(t, err)
	return s
}

func progress(level int) model.State {
	s := model.New()
	s.CurrentLevel = level
	s.CurrentCaseID = fmt.Sprintf("case-%d", level)
	s.Points = map[string]int{"diagnosis": level * 10}
	return s
}

// entropy returns n distinct hex strings that compress poorly.
func entropy(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", prefix, i)))
		out[i] = hex.EncodeToString(sum[:])
	}
	return out
}
