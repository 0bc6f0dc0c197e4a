package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
	"github.com/Yi-XIE/PBL.AI/internal/generation"
	"github.com/Yi-XIE/PBL.AI/internal/metrics"
	"github.com/Yi-XIE/PBL.AI/internal/projection"
	"github.com/Yi-XIE/PBL.AI/internal/session"
	"github.com/Yi-XIE/PBL.AI/internal/store"
)

func testDefaults() domain.TaskConfig {
	return domain.TaskConfig{
		GradeLevel:      "grade 8",
		DurationMinutes: 80,
		StartFrom:       domain.StartFromTopic,
		HITLEnabled:     true,
		CascadeEnabled:  true,
		AutoAdvance:     true,
		OptionCount:     3,
	}
}

func newTestRouter(t *testing.T) (http.Handler, *session.Registry) {
	t.Helper()
	p, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	m := metrics.NewCollector()
	reg := session.NewRegistry(session.Options{
		Generator: generation.NewGateway(generation.OfflineBackend{}),
		Store:     p,
		Metrics:   m,
	})
	t.Cleanup(reg.Close)

	h := &Handler{
		Registry: reg,
		Defaults: testDefaults,
		Metrics:  m.Handler(),
		Version:  "test",
	}
	return NewRouter(h), reg
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) projection.Snapshot {
	t.Helper()
	var snap projection.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func createTask(t *testing.T, router http.Handler, body string) projection.Snapshot {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/tasks", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeSnapshot(t, w)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestCreateTask_AppliesDefaults(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution"}`)

	if snap.TaskID == "" {
		t.Fatal("expected task_id")
	}
	if len(snap.Stages) != 5 {
		t.Errorf("expected 5 stages, got %d", len(snap.Stages))
	}
	if snap.Config.GradeLevel != "grade 8" {
		t.Errorf("expected default grade level, got %q", snap.Config.GradeLevel)
	}
	if !snap.Config.HITLEnabled {
		t.Error("expected hitl default true")
	}
}

func TestCreateTask_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, http.MethodPost, "/api/v1/tasks", "not json")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateTask_MissingTopic(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, http.MethodPost, "/api/v1/tasks", `{"grade_level":"grade 3"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var apiErr APIError
	json.NewDecoder(w.Body).Decode(&apiErr)
	if apiErr.Code != domain.ErrInvalidInput.Code {
		t.Errorf("expected code %d, got %d", domain.ErrInvalidInput.Code, apiErr.Code)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, http.MethodGet, "/api/v1/tasks/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestActions_StartAcceptFlow(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution"}`)
	base := "/api/v1/tasks/" + snap.TaskID

	w := do(t, router, http.MethodPost, base+"/actions", `{"action":"start"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snap = decodeSnapshot(t, w)
	if !snap.AwaitingUser || snap.CurrentStage != domain.StageScenario {
		t.Fatalf("expected awaiting scenario, got awaiting=%v stage=%s", snap.AwaitingUser, snap.CurrentStage)
	}
	if snap.SelectedDefault != "course/scenario.md" {
		t.Errorf("expected selected_default course/scenario.md, got %q", snap.SelectedDefault)
	}

	w = do(t, router, http.MethodPost, base+"/actions", `{"action":"accept"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snap = decodeSnapshot(t, w)
	if snap.Stages[0].Status != domain.ArtifactLocked {
		t.Errorf("expected scenario locked, got %s", snap.Stages[0].Status)
	}
	if snap.CurrentStage != domain.StageDrivingQuestion {
		t.Errorf("expected auto-advance to driving_question, got %s", snap.CurrentStage)
	}
}

func TestActions_InvalidTransition(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution"}`)

	w := do(t, router, http.MethodPost, "/api/v1/tasks/"+snap.TaskID+"/actions", `{"action":"accept"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestActions_MissingAction(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution"}`)

	w := do(t, router, http.MethodPost, "/api/v1/tasks/"+snap.TaskID+"/actions", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEditFile(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution","hitl_enabled":false}`)
	base := "/api/v1/tasks/" + snap.TaskID

	w := do(t, router, http.MethodPost, base+"/actions", `{"action":"start"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snap = decodeSnapshot(t, w)
	if snap.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}

	w = do(t, router, http.MethodPut, base+"/files", `{"path":"course/activity.md","content":"Build a filter.","cascade":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("edit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snap = decodeSnapshot(t, w)
	if snap.Stages[3].Content != "Build a filter." {
		t.Errorf("expected edited activity, got %q", snap.Stages[3].Content)
	}
	if snap.Stages[4].Status != domain.ArtifactValid {
		t.Errorf("expected experiment untouched without cascade, got %s", snap.Stages[4].Status)
	}

	w = do(t, router, http.MethodPut, base+"/files", `{"path":"course/notes.md","content":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown path: expected 400, got %d", w.Code)
	}
}

func TestMessages_SinceSeq(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution"}`)
	base := "/api/v1/tasks/" + snap.TaskID
	do(t, router, http.MethodPost, base+"/actions", `{"action":"start"}`)

	w := do(t, router, http.MethodGet, base+"/messages", "")
	var all []domain.Message
	json.NewDecoder(w.Body).Decode(&all)
	if len(all) < 2 {
		t.Fatalf("expected at least 2 messages, got %d", len(all))
	}

	w = do(t, router, http.MethodGet, base+"/messages?since_seq=1", "")
	var later []domain.Message
	json.NewDecoder(w.Body).Decode(&later)
	if len(later) != len(all)-1 {
		t.Errorf("expected %d messages after seq 1, got %d", len(all)-1, len(later))
	}
}

func TestExportAndStoredPlan(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution","hitl_enabled":false}`)
	base := "/api/v1/tasks/" + snap.TaskID

	w := do(t, router, http.MethodGet, base+"/plan", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("plan before completion: expected 404, got %d", w.Code)
	}

	do(t, router, http.MethodPost, base+"/actions", `{"action":"start"}`)

	w = do(t, router, http.MethodGet, base+"/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", w.Code)
	}
	var exp projection.Export
	json.NewDecoder(w.Body).Decode(&exp)
	if !exp.Metadata.Complete || exp.Metadata.Topic != "river pollution" {
		t.Errorf("unexpected export metadata: %+v", exp.Metadata)
	}
	if len(exp.CourseDesign.QuestionChain) < 3 {
		t.Errorf("expected at least 3 chain questions, got %d", len(exp.CourseDesign.QuestionChain))
	}

	w = do(t, router, http.MethodGet, base+"/export?format=markdown", "")
	if !strings.HasPrefix(w.Body.String(), "# Course Design") {
		t.Errorf("unexpected markdown export: %q", w.Body.String())
	}

	w = do(t, router, http.MethodGet, base+"/plan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("plan: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Plan-Checksum") == "" {
		t.Error("expected checksum header")
	}
}

func TestDeleteTask(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution"}`)

	w := do(t, router, http.MethodDelete, "/api/v1/tasks/"+snap.TaskID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/api/v1/tasks/"+snap.TaskID, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestListTasks(t *testing.T) {
	router, _ := newTestRouter(t)
	createTask(t, router, `{"topic":"a"}`)
	createTask(t, router, `{"topic":"b"}`)

	w := do(t, router, http.MethodGet, "/api/v1/tasks", "")
	var headers []projection.Header
	json.NewDecoder(w.Body).Decode(&headers)
	if len(headers) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(headers))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"river pollution"}`)
	do(t, router, http.MethodPost, "/api/v1/tasks/"+snap.TaskID+"/actions", `{"action":"start"}`)

	w := do(t, router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pblai_actions_total") {
		t.Error("expected pblai_actions_total in metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, http.MethodOptions, "/api/v1/tasks", "")

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestStreamTask_SSE(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()
	snap := createTask(t, router, `{"topic":"river pollution"}`)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/" + snap.TaskID + "/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	events := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
		close(events)
	}()

	expectEvent(t, events, "snapshot")
	w := do(t, router, http.MethodPost, "/api/v1/tasks/"+snap.TaskID+"/actions", `{"action":"start"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", w.Code)
	}
	expectEvent(t, events, "delta")
}

func expectEvent(t *testing.T, events <-chan string, want string) {
	t.Helper()
	select {
	case got := <-events:
		if got != want {
			t.Fatalf("expected %s event, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", want)
	}
}

func TestServerShutdown_EndsOpenStreams(t *testing.T) {
	router, reg := newTestRouter(t)
	snap := createTask(t, router, `{"topic":"school garden"}`)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &Server{httpServer: &http.Server{Handler: router}}
	srv.OnShutdown(reg.Close)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/tasks/" + snap.TaskID + "/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
		close(events)
	}()
	expectEvent(t, events, "snapshot")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	begin := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("shutdown waited %v for open streams", elapsed)
	}
	expectEvent(t, events, "closed")
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
}

func TestStreamTask_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	w := do(t, router, http.MethodGet, "/api/v1/tasks/nonexistent/stream", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStreamTaskWS(t *testing.T) {
	router, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()
	snap := createTask(t, router, `{"topic":"river pollution"}`)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/tasks/" + snap.TaskID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first wsFrame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Type != "snapshot" || first.Delta == nil || first.Delta.Full == nil {
		t.Fatalf("expected full snapshot frame, got %+v", first)
	}

	if err := conn.WriteJSON(domain.Action{Type: domain.ActionAccept}); err != nil {
		t.Fatalf("write action: %v", err)
	}
	var errFrame wsFrame
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame.Type != "error" || errFrame.Error.Code != domain.ErrInvalidTransition.Code {
		t.Fatalf("expected invalid transition error frame, got %+v", errFrame)
	}

	if err := conn.WriteJSON(domain.Action{Type: domain.ActionStart}); err != nil {
		t.Fatalf("write action: %v", err)
	}
	var delta wsFrame
	if err := conn.ReadJSON(&delta); err != nil {
		t.Fatalf("read delta frame: %v", err)
	}
	if delta.Type != "delta" || delta.Delta.StateVersion <= first.Delta.StateVersion {
		t.Fatalf("expected newer delta, got %+v", delta)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", domain.Errorf(domain.ErrNotFound, "task x"), http.StatusNotFound},
		{"unknown candidate", domain.ErrUnknownCandidate, http.StatusBadRequest},
		{"invalid transition", domain.ErrInvalidTransition, http.StatusConflict},
		{"regeneration limit", domain.ErrRegenerationLimit, http.StatusConflict},
		{"rate limit", domain.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{"too many tasks", domain.ErrTooManyTasks, http.StatusServiceUnavailable},
		{"generation timeout", &generation.Error{Kind: generation.KindTimeout, Stage: domain.StageScenario}, http.StatusGatewayTimeout},
		{"generation backend", &generation.Error{Kind: generation.KindBackendError, Stage: domain.StageScenario}, http.StatusBadGateway},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusFor(tt.err)
			if got != tt.want {
				t.Errorf("statusFor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatListenURL(t *testing.T) {
	tests := map[string]string{
		":9810":          "http://localhost:9810",
		"0.0.0.0:80":     "http://localhost:80",
		"127.0.0.1:9000": "http://127.0.0.1:9000",
	}
	for in, want := range tests {
		if got := FormatListenURL(in); got != want {
			t.Errorf("FormatListenURL(%q) = %q, want %q", in, got, want)
		}
	}
}
