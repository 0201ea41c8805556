package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/lmsstate/internal/codec"
	"github.com/pavelanni/lmsstate/internal/i18n"
	"github.com/pavelanni/lmsstate/internal/lms"
	"github.com/pavelanni/lmsstate/internal/lock"
	"github.com/pavelanni/lmsstate/internal/model"
	"github.com/pavelanni/lmsstate/internal/persist"
	"github.com/pavelanni/lmsstate/internal/store"
)

type testServer struct {
	srv  http.Handler
	host *lms.Host12
}

func newTestServer(t *testing.T, locker lock.Locker, withHost bool) *testServer {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := codec.New("zstd")
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}

	ts := &testServer{}
	frame := &lms.Frame{}
	if withHost {
		ts.host = lms.NewHost12(st.Bucket(store.NamespaceLMS))
		frame.Objects = map[string]any{lms.NameAPI12: ts.host}
	}
	var opts []persist.Option
	if locker != nil {
		opts = append(opts, persist.WithLocker(locker))
	}
	engine := persist.New(lms.NewAdapter(frame), st.Bucket(store.NamespaceLocal), c, opts...)

	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	New(engine).Routes(r)
	ts.srv = r
	return ts
}

type decoded struct {
	Result    json.RawMessage `json:"result"`
	Notice    string          `json:"notice"`
	Usage     string          `json:"usage"`
	Languages []string        `json:"languages"`
	Error     string          `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, decoded) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)

	var out decoded
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

func sampleState() model.State {
	s := model.New()
	s.CurrentLevel = 2
	s.CurrentCaseID = "case-2"
	s.Points = map[string]int{"diagnosis": 40}
	return s
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusListsLanguages(t *testing.T) {
	ts := newTestServer(t, nil, true)
	_, out := ts.do(t, http.MethodGet, "/status", nil)
	if len(out.Languages) != 2 {
		t.Errorf("languages = %v, want en and ru", out.Languages)
	}
}

func TestSaveBeforeInitialize(t *testing.T) {
	ts := newTestServer(t, nil, true)
	code, out := ts.do(t, http.MethodPut, "/state", sampleState())
	if code != http.StatusConflict {
		t.Errorf("status = %d, want 409", code)
	}
	if out.Notice != "The session has not been started." {
		t.Errorf("notice = %q", out.Notice)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil, true)

	code, out := ts.do(t, http.MethodPost, "/session/initialize", nil)
	if code != http.StatusOK {
		t.Fatalf("initialize status = %d", code)
	}
	var init persist.InitResult
	if err := json.Unmarshal(out.Result, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if !init.LMS || init.Revision != lms.Revision12 || !init.Writer {
		t.Errorf("init = %+v", init)
	}

	_, out = ts.do(t, http.MethodGet, "/state", nil)
	if out.Notice != "No saved progress yet. Starting fresh." {
		t.Errorf("load notice = %q", out.Notice)
	}

	code, out = ts.do(t, http.MethodPut, "/state", sampleState())
	if code != http.StatusOK {
		t.Fatalf("save status = %d (%s)", code, out.Error)
	}
	var res persist.Result
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.LMS != persist.LMSDeferred || !res.Local {
		t.Errorf("save result = %+v, want deferred with local write", res)
	}

	code, out = ts.do(t, http.MethodPost, "/state/commit", nil)
	if code != http.StatusOK {
		t.Fatalf("commit status = %d (%s)", code, out.Error)
	}
	if ts.host.Value(lms.KeySuspendData) == "" {
		t.Error("force commit did not reach the LMS")
	}

	code, out = ts.do(t, http.MethodPut, "/state?critical=true", sampleState())
	if code != http.StatusOK {
		t.Errorf("critical save status = %d", code)
	}
	if !strings.HasSuffix(out.Usage, "bytes of course server storage used.") {
		t.Errorf("critical save usage = %q", out.Usage)
	}

	code, _ = ts.do(t, http.MethodPut, "/completion", map[string]string{"status": "passed"})
	if code != http.StatusOK {
		t.Errorf("completion status = %d", code)
	}
	if got := ts.host.Value(lms.KeyLessonStatus); got != "passed" {
		t.Errorf("lesson status = %q, want passed", got)
	}

	code, _ = ts.do(t, http.MethodPut, "/score", map[string]float64{"raw": 7, "max": 10})
	if code != http.StatusOK {
		t.Errorf("score status = %d", code)
	}

	code, _ = ts.do(t, http.MethodPost, "/session/terminate", nil)
	if code != http.StatusOK {
		t.Errorf("terminate status = %d", code)
	}
	code, out = ts.do(t, http.MethodPut, "/state", sampleState())
	if code != http.StatusConflict || out.Notice != "The session has ended." {
		t.Errorf("save after terminate = %d %q", code, out.Notice)
	}
}

func TestLoadRestoresSavedState(t *testing.T) {
	ts := newTestServer(t, nil, false)
	ts.do(t, http.MethodPost, "/session/initialize", nil)
	ts.do(t, http.MethodPut, "/state", sampleState())

	_, out := ts.do(t, http.MethodGet, "/state", nil)
	var load persist.LoadResult
	if err := json.Unmarshal(out.Result, &load); err != nil {
		t.Fatalf("decode load: %v", err)
	}
	if load.Source != model.SourceLocal || load.State == nil || load.State.CurrentLevel != 2 {
		t.Errorf("load = %+v", load)
	}
	if out.Notice != "Your progress was restored." {
		t.Errorf("notice = %q", out.Notice)
	}
}

func TestLocalOnlyNotice(t *testing.T) {
	ts := newTestServer(t, nil, false)
	_, out := ts.do(t, http.MethodPost, "/session/initialize", nil)
	if out.Notice != "No course server found. Progress is saved on this device only." {
		t.Errorf("notice = %q", out.Notice)
	}
}

func TestReadOnlyTab(t *testing.T) {
	broker := lock.NewBroker("learner")
	first := newTestServer(t, broker.Client(), true)
	second := newTestServer(t, broker.Client(), true)

	first.do(t, http.MethodPost, "/session/initialize", nil)
	_, out := second.do(t, http.MethodPost, "/session/initialize", nil)
	if out.Notice != "This course is open in another tab. Changes made here will not be saved." {
		t.Errorf("initialize notice = %q", out.Notice)
	}

	code, _ := second.do(t, http.MethodPut, "/state", sampleState())
	if code != http.StatusLocked {
		t.Errorf("save status = %d, want 423", code)
	}
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, nil, true)
	ts.do(t, http.MethodPost, "/session/initialize", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"bad critical flag", http.MethodPut, "/state?critical=maybe", sampleState()},
		{"not a state", http.MethodPut, "/state", []int{1, 2}},
		{"empty status", http.MethodPut, "/completion", map[string]string{}},
		{"score above max", http.MethodPut, "/score", map[string]float64{"raw": 11, "max": 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := ts.do(t, tt.method, tt.path, tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", code)
			}
			if out.Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}
