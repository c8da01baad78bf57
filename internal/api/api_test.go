package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutu-network/ocrd/internal/app/notify"
	"github.com/tutu-network/ocrd/internal/app/orchestrator"
	"github.com/tutu-network/ocrd/internal/domain"
	"github.com/tutu-network/ocrd/internal/health"
	"github.com/tutu-network/ocrd/internal/infra/engine"
	"github.com/tutu-network/ocrd/internal/infra/filestore"
)

type testAPI struct {
	srv    *Server
	http   *httptest.Server
	tasks  *orchestrator.Orchestrator
	runner *engine.ScriptedRunner
	opts   Options
}

func newTestAPI(t *testing.T, script engine.Script, mutate func(*Options)) *testAPI {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		WorkspaceDir: root,
		UploadsDir:   filepath.Join(root, "uploads"),
		ResultsDir:   filepath.Join(root, "results"),
		KeepUploads:  10,
		MaxUploadMB:  5,
		CORSOrigins:  []string{"*"},
		Version:      "1.2.3",
	}
	if mutate != nil {
		mutate(&opts)
	}
	for _, d := range []string{opts.UploadsDir, opts.ResultsDir} {
		os.MkdirAll(d, 0755)
	}

	store, err := filestore.Open(filepath.Join(root, "logs"))
	if err != nil {
		t.Fatalf("filestore.Open() error: %v", err)
	}
	runner := engine.NewScriptedRunner(script)
	tasks := orchestrator.New(orchestrator.Config{
		ResultsDir: opts.ResultsDir,
		Worker: orchestrator.WorkerConfig{
			PDFCommand:   []string{"pdf-worker", "{input}", "{output}"},
			ImageCommand: []string{"image-worker", "{input}", "{output}"},
		},
	}, store, notify.NewHub(notify.DefaultBuffer), runner)

	srv := NewServer(tasks, opts)
	srv.EnableMetrics()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		tasks.Wait()
	})
	return &testAPI{srv: srv, http: ts, tasks: tasks, runner: runner, opts: opts}
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(a.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s error: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (a *testAPI) postJSON(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(a.http.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (a *testAPI) upload(t *testing.T, name string, content []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile() error: %v", err)
	}
	fw.Write(content)
	mw.Close()

	resp, err := http.Post(a.http.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /api/upload error: %v", err)
	}
	return resp, decodeBody(t, resp)
}

// start uploads an image and starts a task on it.
func (a *testAPI) start(t *testing.T) string {
	t.Helper()
	_, up := a.upload(t, "scan.png", []byte("png"))
	resp, body := a.postJSON(t, "/api/start", map[string]string{"file_path": up["file_path"].(string)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, body = %v", resp.StatusCode, body)
	}
	return body["task_id"].(string)
}

func (a *testAPI) waitTerminal(t *testing.T, id string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := a.tasks.GetState(id)
		if err != nil {
			t.Fatalf("GetState() error: %v", err)
		}
		if task.IsTerminal() {
			return *task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return domain.Task{}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	b, _ := io.ReadAll(resp.Body)
	if len(b) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %q: %v", b, err)
		}
	}
	return out
}

func writeOutputs(names ...string) func(engine.Command) {
	return func(cmd engine.Command) {
		dir := cmd.Args[len(cmd.Args)-1]
		for _, n := range names {
			os.WriteFile(filepath.Join(dir, n), []byte("# "+n), 0644)
		}
	}
}

var workerLog = []string{"Loading model", "Image pre-processed", "Generate", "Save results", "complete"}

// ─── Operational endpoints ──────────────────────────────────────────────────

func TestHealth_NoChecker(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	resp, body := a.get(t, "/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("/health = %d %v", resp.StatusCode, body)
	}
}

func TestHealth_Degraded(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	c := health.NewChecker(health.Options{Commands: [][]string{{"ocrd-missing-worker"}}})
	c.RunOnce(context.Background())
	a.srv.SetHealth(c)

	resp, body := a.get(t, "/health")
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("/health = %d %v, want 503 degraded", resp.StatusCode, body)
	}
	if checks, _ := body["checks"].([]interface{}); len(checks) == 0 {
		t.Error("/health should list check results")
	}
}

func TestVersion(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	_, body := a.get(t, "/api/version")
	if body["version"] != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", body["version"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	resp, err := http.Get(a.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "ocrd_") {
		t.Errorf("/metrics = %d, missing ocrd_ series", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, func(o *Options) {
		o.CORSOrigins = []string{"http://localhost:5173"}
	})

	req, _ := http.NewRequest(http.MethodOptions, a.http.URL+"/api/start", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, a.http.URL+"/api/version", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unlisted origin = %q, want none", got)
	}
}

// ─── Upload ─────────────────────────────────────────────────────────────────

func TestUpload(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	resp, body := a.upload(t, "Scan.PDF", []byte("%PDF-1.7"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "success" || body["file_type"] != "pdf" {
		t.Errorf("upload body = %v", body)
	}
	path := body["file_path"].(string)
	if filepath.Dir(path) != a.opts.UploadsDir {
		t.Errorf("file_path = %q, want it in %s", path, a.opts.UploadsDir)
	}
	if b, err := os.ReadFile(path); err != nil || string(b) != "%PDF-1.7" {
		t.Errorf("saved content = %q, %v", b, err)
	}
}

func TestUpload_Rejected(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, func(o *Options) { o.MaxUploadMB = 1 })

	resp, _ := a.upload(t, "notes.docx", []byte("x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unsupported type status = %d, want 400", resp.StatusCode)
	}

	// In-process so the client never races the early reply.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "big.png")
	fw.Write(bytes.Repeat([]byte("x"), 2<<20))
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status = %d, want 413", rec.Code)
	}

	entries, _ := os.ReadDir(a.opts.UploadsDir)
	if len(entries) != 0 {
		t.Errorf("rejected uploads left %d files behind", len(entries))
	}

	resp, err := http.Post(a.http.URL+"/api/upload", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d, want 400", resp.StatusCode)
	}
}

func TestUpload_KeepsNewest(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, func(o *Options) { o.KeepUploads = 2 })
	var last string
	for i := 0; i < 4; i++ {
		_, body := a.upload(t, "page.png", []byte{byte(i)})
		last = body["file_path"].(string)
		time.Sleep(10 * time.Millisecond)
	}
	entries, _ := os.ReadDir(a.opts.UploadsDir)
	if len(entries) != 2 {
		t.Errorf("uploads kept = %d, want 2", len(entries))
	}
	if _, err := os.Stat(last); err != nil {
		t.Errorf("newest upload removed: %v", err)
	}
}

// ─── Task lifecycle ─────────────────────────────────────────────────────────

func TestStartAndResult(t *testing.T) {
	a := newTestAPI(t, engine.Script{Lines: workerLog, Before: writeOutputs("page.md", "page.mmd")}, nil)
	id := a.start(t)
	a.waitTerminal(t, id)

	_, progress := a.get(t, "/api/progress/"+id)
	if progress["status"] != "success" || progress["state"] != "Finished" || progress["progress"] != float64(100) {
		t.Errorf("progress = %v", progress)
	}

	_, result := a.get(t, "/api/result/"+id)
	if result["status"] != "success" || result["state"] != "Finished" {
		t.Fatalf("result = %v", result)
	}
	files, _ := result["files"].([]interface{})
	if len(files) != 2 || files[0] != "page.md" || files[1] != "page.mmd" {
		t.Errorf("files = %v, want [page.md page.mmd]", files)
	}

	resp, record := a.get(t, "/api/tasks/"+id)
	if resp.StatusCode != http.StatusOK || record["id"] != id || record["status"] != "Finished" {
		t.Errorf("task record = %v", record)
	}

	_, list := a.get(t, "/api/tasks?limit=5")
	if tasks, _ := list["tasks"].([]interface{}); len(tasks) != 1 {
		t.Errorf("tasks = %v, want one entry", list["tasks"])
	}
}

func TestResult_Running(t *testing.T) {
	gate := make(chan struct{})
	a := newTestAPI(t, engine.Script{Lines: workerLog, Gate: gate}, nil)
	defer close(gate)
	id := a.start(t)

	_, result := a.get(t, "/api/result/"+id)
	if result["status"] != "running" {
		t.Errorf("result before finish = %v, want running", result)
	}
}

func TestResult_Failed(t *testing.T) {
	a := newTestAPI(t, engine.Script{Lines: []string{"CUDA out of memory"}, ExitCode: 1}, nil)
	id := a.start(t)
	a.waitTerminal(t, id)

	_, result := a.get(t, "/api/result/"+id)
	msg, _ := result["message"].(string)
	if result["status"] != "error" || !strings.Contains(msg, "code 1") || !strings.Contains(msg, "CUDA out of memory") {
		t.Errorf("result = %v", result)
	}
}

func TestStart_BadRequests(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	docx := filepath.Join(a.opts.UploadsDir, "notes.docx")
	os.WriteFile(docx, []byte("x"), 0644)

	tests := map[string]interface{}{
		"missing path":  map[string]string{},
		"missing file":  map[string]string{"file_path": filepath.Join(a.opts.UploadsDir, "nope.png")},
		"directory":     map[string]string{"file_path": a.opts.ResultsDir},
		"unsupported":   map[string]string{"file_path": docx},
		"not an object": []int{1},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, out := a.postJSON(t, "/api/start", body)
			if resp.StatusCode != http.StatusBadRequest || out["status"] != "error" {
				t.Errorf("status = %d body = %v, want 400 error", resp.StatusCode, out)
			}
		})
	}

	if got := len(a.runner.Started()); got != 0 {
		t.Errorf("bad requests started %d workers", got)
	}
}

func TestUnknownTask(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	for _, path := range []string{"/api/tasks/nope", "/api/progress/nope", "/api/result/nope"} {
		resp, body := a.get(t, path)
		if resp.StatusCode != http.StatusNotFound || body["status"] != "error" {
			t.Errorf("GET %s = %d %v, want 404", path, resp.StatusCode, body)
		}
	}
}

// ─── Workspace browsing ─────────────────────────────────────────────────────

func TestFolderAndContent(t *testing.T) {
	a := newTestAPI(t, engine.Script{Lines: workerLog, Before: writeOutputs("page.md")}, nil)
	id := a.start(t)
	task := a.waitTerminal(t, id)

	os.MkdirAll(filepath.Join(task.ResultDirectory, "images"), 0755)
	os.WriteFile(filepath.Join(task.ResultDirectory, "images", "0.png"), []byte("\x89PNG"), 0644)

	resp, body := a.get(t, "/api/folder?path="+task.ResultDirectory)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("folder = %d %v", resp.StatusCode, body)
	}
	children, _ := body["children"].([]interface{})
	if len(children) != 2 {
		t.Fatalf("children = %v, want images/ then page.md", children)
	}
	if first := children[0].(map[string]interface{}); first["type"] != "folder" || first["name"] != "images" {
		t.Errorf("first child = %v, want the images folder", first)
	}

	_, content := a.get(t, "/api/file/content?path="+filepath.Join(task.ResultDirectory, "page.md"))
	if content["content"] != "# page.md" {
		t.Errorf("content = %v", content)
	}

	img, err := http.Get(a.http.URL + "/api/file/content?path=" + filepath.Join(task.ResultDirectory, "images", "0.png"))
	if err != nil {
		t.Fatalf("GET image error: %v", err)
	}
	b, _ := io.ReadAll(img.Body)
	img.Body.Close()
	if img.Header.Get("Content-Type") != "image/png" || string(b) != "\x89PNG" {
		t.Errorf("image = %q (%s)", b, img.Header.Get("Content-Type"))
	}
}

func TestWorkspaceConfinement(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	os.WriteFile(outside, []byte("secret"), 0644)

	for _, path := range []string{
		"/api/folder?path=" + filepath.Dir(outside),
		"/api/folder?path=" + a.opts.UploadsDir,
		"/api/file/content?path=" + outside,
		"/api/file/content?path=" + filepath.Join(a.opts.ResultsDir, "..", "..", filepath.Base(filepath.Dir(outside)), "secret.txt"),
	} {
		resp, body := a.get(t, path)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("GET %s = %d %v, want 403", path, resp.StatusCode, body)
		}
	}

	resp, _ := a.get(t, "/api/file/content?path="+filepath.Join(a.opts.ResultsDir, "missing.md"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing file = %d, want 404", resp.StatusCode)
	}
}

// ─── Push channel ───────────────────────────────────────────────────────────

func dialTask(t *testing.T, a *testAPI, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.http.URL, "http") + "/api/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvents(t *testing.T, conn *websocket.Conn) ([]notify.Event, error) {
	t.Helper()
	var events []notify.Event
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var ev notify.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestTaskSocket_StreamsUntilTerminal(t *testing.T) {
	gate := make(chan struct{})
	a := newTestAPI(t, engine.Script{
		Lines:  workerLog,
		Delay:  5 * time.Millisecond,
		Gate:   gate,
		Before: writeOutputs("page.md"),
	}, nil)
	id := a.start(t)

	conn := dialTask(t, a, id)
	close(gate)

	events, err := readEvents(t, conn)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("stream ended with %v, want a normal close", err)
	}
	if len(events) < 2 {
		t.Fatalf("events = %+v, want snapshot plus updates", events)
	}
	if events[0].TaskID != id || events[0].Status == "" {
		t.Errorf("first event = %+v, want the task snapshot", events[0])
	}

	last := -1
	for _, ev := range events {
		if ev.Progress < last {
			t.Errorf("progress went backwards: %+v", events)
		}
		last = ev.Progress
	}
	final := events[len(events)-1]
	if final.Status != domain.TaskFinished || final.Progress != 100 || len(final.OutputFiles) != 1 {
		t.Errorf("final event = %+v", final)
	}
}

func TestTaskSocket_AlreadyTerminal(t *testing.T) {
	a := newTestAPI(t, engine.Script{ExitCode: 2}, nil)
	id := a.start(t)
	a.waitTerminal(t, id)

	events, err := readEvents(t, dialTask(t, a, id))
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("stream ended with %v, want a normal close", err)
	}
	if len(events) != 1 || events[0].Status != domain.TaskFailed || events[0].ErrorMessage == "" {
		t.Errorf("events = %+v, want the single Failed snapshot", events)
	}
}

func TestTaskSocket_UnknownTask(t *testing.T) {
	a := newTestAPI(t, engine.Script{}, nil)
	url := "ws" + strings.TrimPrefix(a.http.URL, "http") + "/api/ws/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want bad handshake", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
