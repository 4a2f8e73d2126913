package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stagepipe/stagepipe/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCatalog struct {
	projects map[string]map[string]any
	assets   map[string][]map[string]any
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		projects: map[string]map[string]any{
			"ep101": {"name": "ep101", "type": "project", "data": map[string]any{"fps": 24}},
			"ep102": {"name": "ep102", "type": "project"},
		},
		assets: map[string][]map[string]any{
			"ep101": {
				{"name": "hero", "type": "asset"},
				{"name": "villain", "type": "asset"},
			},
		},
	}
}

func (f *fakeCatalog) ListProjects(ctx context.Context) ([]map[string]any, error) {
	out := []map[string]any{}
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeCatalog) GetProject(ctx context.Context, project string) (map[string]any, error) {
	p, ok := f.projects[project]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeCatalog) ListAssets(ctx context.Context, project string) ([]map[string]any, error) {
	if _, ok := f.projects[project]; !ok {
		return nil, domain.ErrNotFound
	}
	return f.assets[project], nil
}

func (f *fakeCatalog) GetAsset(ctx context.Context, project, asset string) (map[string]any, error) {
	for _, a := range f.assets[project] {
		if a["name"] == asset {
			return a, nil
		}
	}
	return nil, domain.ErrNotFound
}

type fakeNotifier struct {
	messages []string
	err      error
}

func (f *fakeNotifier) ShowNotification(message string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

func newRunningServer(t *testing.T, notifier Notifier) *Server {
	t.Helper()
	port, err := FindFreePort("127.0.0.1", 20000, 30000, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New("127.0.0.1", port, testLogger())
	cfg := CoreRoutes{Catalog: newFakeCatalog(), Version: "1.2.3"}
	if notifier != nil {
		cfg.Notifier = func() Notifier { return notifier }
	}
	if err := s.RegisterCoreRoutes(cfg); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		// Later tests reuse the same port; drop pooled keep-alive
		// connections to this now-stopped server.
		http.DefaultClient.CloseIdleConnections()
	})
	return s
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func TestLifecycle(t *testing.T) {
	port, err := FindFreePort("127.0.0.1", 20000, 30000, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New("127.0.0.1", port, testLogger())
	if s.State() != StateStopped || s.Running() {
		t.Fatal("fresh server must be stopped")
	}

	stopped := make(chan struct{})
	s.OnStop(func() { close(stopped) })

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if !s.Running() {
		t.Fatal("server must be running after Start")
	}
	if err := s.Start(); err == nil {
		t.Fatal("double start must fail")
	}
	if err := s.AddRoute("get", "/late", func(req *Request) (*Response, error) { return nil, nil }); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("AddRoute on a running server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("on-stop callback never ran")
	}
	if s.State() != StateStopped {
		t.Fatalf("state after stop = %v", s.State())
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stopping a stopped server: %v", err)
	}
}

func TestExpandMethods(t *testing.T) {
	verbs, err := expandMethods("*")
	if err != nil {
		t.Fatal(err)
	}
	if len(verbs) != 7 {
		t.Errorf("wildcard expands to %d verbs, want 7", len(verbs))
	}

	// Older producers spell the wildcard "all".
	for _, wildcard := range []string{"all", "ALL", " All "} {
		verbs, err = expandMethods(wildcard)
		if err != nil {
			t.Fatalf("expandMethods(%q): %v", wildcard, err)
		}
		if len(verbs) != 7 {
			t.Errorf("%q expands to %d verbs, want 7", wildcard, len(verbs))
		}
	}

	verbs, err = expandMethods([]string{"get", "POST"})
	if err != nil {
		t.Fatal(err)
	}
	if len(verbs) != 2 || verbs[0] != "GET" || verbs[1] != "POST" {
		t.Errorf("verbs = %v", verbs)
	}

	if _, err := expandMethods("fetch"); err == nil {
		t.Error("unknown verb must be rejected")
	}
	if _, err := expandMethods([]string{}); err == nil {
		t.Error("empty verb list must be rejected")
	}
	if _, err := expandMethods(42); err == nil {
		t.Error("non-string methods must be rejected")
	}
}

func TestProjectRoutes(t *testing.T) {
	s := newRunningServer(t, nil)
	base := s.BaseURL()

	status, body := get(t, base+"/projects")
	if status != http.StatusOK {
		t.Fatalf("GET /projects = %d: %s", status, body)
	}
	var projects []map[string]any
	if err := json.Unmarshal(body, &projects); err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 {
		t.Errorf("projects = %v", projects)
	}

	status, body = get(t, base+"/projects/ep101")
	if status != http.StatusOK {
		t.Fatalf("GET /projects/ep101 = %d", status)
	}
	var project map[string]any
	if err := json.Unmarshal(body, &project); err != nil {
		t.Fatal(err)
	}
	if project["name"] != "ep101" {
		t.Errorf("project = %v", project)
	}

	status, body = get(t, base+"/projects/Missing")
	if status != http.StatusNotFound {
		t.Fatalf("missing project = %d", status)
	}
	var msg string
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}
	if msg != "Project name Missing not found" {
		t.Errorf("404 body = %q", msg)
	}
}

func TestAssetRoutes(t *testing.T) {
	s := newRunningServer(t, nil)
	base := s.BaseURL()

	status, body := get(t, base+"/projects/ep101/assets")
	if status != http.StatusOK {
		t.Fatalf("GET assets = %d", status)
	}
	var assets []map[string]any
	if err := json.Unmarshal(body, &assets); err != nil {
		t.Fatal(err)
	}
	if len(assets) != 2 {
		t.Errorf("assets = %v", assets)
	}

	status, _ = get(t, base+"/projects/ep101/assets/hero")
	if status != http.StatusOK {
		t.Fatalf("GET asset = %d", status)
	}

	status, body = get(t, base+"/projects/ep101/assets/ghost")
	if status != http.StatusNotFound {
		t.Fatalf("missing asset = %d", status)
	}
	var msg string
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}
	if msg != "Asset name ghost not found" {
		t.Errorf("404 body = %q", msg)
	}

	if status, _ := get(t, base+"/projects/Missing/assets"); status != http.StatusNotFound {
		t.Fatalf("assets of missing project = %d", status)
	}
}

func TestDocsRoute(t *testing.T) {
	s := newRunningServer(t, nil)

	status, body := get(t, s.BaseURL()+"/docs")
	if status != http.StatusOK {
		t.Fatalf("GET /docs = %d", status)
	}
	var doc struct {
		Version string `json:"version"`
		Routes  []struct {
			Methods []string `json:"methods"`
			Path    string   `json:"path"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Version != "1.2.3" {
		t.Errorf("version = %q", doc.Version)
	}
	paths := map[string]bool{}
	for _, r := range doc.Routes {
		paths[r.Path] = true
	}
	for _, want := range []string{"/projects", "/projects/{project_name}/assets/{asset_name}", "/events/feed", "/notification/tray/"} {
		if !paths[want] {
			t.Errorf("docs missing route %s", want)
		}
	}
}

func TestStatusPage(t *testing.T) {
	s := newRunningServer(t, nil)

	status, body := get(t, s.BaseURL()+"/")
	if status != http.StatusOK {
		t.Fatalf("GET / = %d", status)
	}
	page := string(body)
	if !strings.Contains(page, "1.2.3") || !strings.Contains(page, "running") {
		t.Errorf("status page = %s", page)
	}
}

func TestNotificationRoute(t *testing.T) {
	notifier := &fakeNotifier{}
	s := newRunningServer(t, notifier)
	base := s.BaseURL()

	resp, err := http.Post(base+"/notification/tray/?message=render+done", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST notification = %d: %s", resp.StatusCode, body)
	}
	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		t.Fatal(err)
	}
	if reply["message"] != "Message displayed" {
		t.Errorf("reply = %v", reply)
	}
	if len(notifier.messages) != 1 || notifier.messages[0] != "render done" {
		t.Errorf("notifier got %v", notifier.messages)
	}

	// Message may also arrive as a JSON body.
	resp, err = http.Post(base+"/notification/tray/", "application/json", strings.NewReader(`{"message":"publish ready"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST notification json body = %d", resp.StatusCode)
	}
	if len(notifier.messages) != 2 || notifier.messages[1] != "publish ready" {
		t.Errorf("notifier got %v", notifier.messages)
	}

	resp, err = http.Post(base+"/notification/tray/", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message = %d, want 400", resp.StatusCode)
	}
}

func TestCORSSameHostOnly(t *testing.T) {
	s := newRunningServer(t, nil)
	base := s.BaseURL()

	req, err := http.NewRequest(http.MethodGet, base+"/projects", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://127.0.0.1:5000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:5000" {
		t.Errorf("same-host origin header = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("credentials header = %q", got)
	}

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin header = %q", got)
	}
}

func TestHandlerErrorsBecomeHTTPStatuses(t *testing.T) {
	port, err := FindFreePort("127.0.0.1", 20000, 30000, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New("127.0.0.1", port, testLogger())
	routes := map[string]HandlerFunc{
		"/boom":    func(req *Request) (*Response, error) { return nil, errors.New("boom") },
		"/invalid": func(req *Request) (*Response, error) { return nil, domain.Invalid("field", "bad") },
		"/empty":   func(req *Request) (*Response, error) { return nil, nil },
		"/panics":  func(req *Request) (*Response, error) { panic("unexpected") },
	}
	for path, handler := range routes {
		if err := s.AddRoute("get", path, handler); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		// Later tests reuse the same port; drop pooled keep-alive
		// connections to this now-stopped server.
		http.DefaultClient.CloseIdleConnections()
	})

	cases := map[string]int{
		"/boom":    http.StatusInternalServerError,
		"/invalid": http.StatusBadRequest,
		"/empty":   http.StatusNoContent,
		"/panics":  http.StatusInternalServerError,
	}
	for path, want := range cases {
		if status, _ := get(t, s.BaseURL()+path); status != want {
			t.Errorf("GET %s = %d, want %d", path, status, want)
		}
	}
}

func TestCrashedServeLoopMarksStopped(t *testing.T) {
	port, err := FindFreePort("127.0.0.1", 20000, 30000, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New("127.0.0.1", port, testLogger())
	stopped := make(chan struct{})
	s.OnStop(func() { close(stopped) })
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	// Kill the listener out from under the serve loop.
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	_ = ln.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("on-stop callback never ran after the loop died")
	}
	waitFor(t, func() bool { return s.State() == StateStopped })
	if s.Running() {
		t.Fatal("a dead server must not report running")
	}
}

func TestConcurrentStopsBothWait(t *testing.T) {
	s := newRunningServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- s.Stop(ctx) }()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if s.State() != StateStopped {
		t.Fatalf("state after concurrent stops = %v", s.State())
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort("127.0.0.1", 20000, 30000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if port < 20000 || port > 30000 {
		t.Fatalf("port %d outside range", port)
	}

	// Occupy the port; the scan must move past it.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	next, err := FindFreePort("127.0.0.1", port, 30000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next == port {
		t.Fatal("occupied port must be skipped")
	}

	excludedNext, err := FindFreePort("127.0.0.1", port, 30000, []int{next})
	if err != nil {
		t.Fatal(err)
	}
	if excludedNext == port || excludedNext == next {
		t.Fatalf("excluded port %d returned", excludedNext)
	}

	if _, err := FindFreePort("127.0.0.1", 0, 10, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("invalid range err = %v", err)
	}
	if _, err := FindFreePort("127.0.0.1", 100, 10, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("inverted range err = %v", err)
	}
}
