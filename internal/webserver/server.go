// Package webserver hosts the tray-local HTTP service: domain REST
// routes over the project catalog, tray action routes invoked through
// the event queue, static resource mounts, and a live event feed.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/stagepipe/stagepipe/internal/domain"
	"github.com/stagepipe/stagepipe/internal/jsonutil"
	"github.com/stagepipe/stagepipe/internal/netutil"
)

// State is the web service lifecycle:
// Stopped -> Starting -> Running -> Stopping -> Stopped.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// allMethods is the expansion of the "*" wildcard.
var allMethods = []string{
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
}

// Request is what route handlers receive: decoded path parameters, the
// query, the request body, and the underlying request for everything
// else.
type Request struct {
	Params map[string]string
	Body   []byte
	Raw    *http.Request
}

// Query returns one query parameter.
func (r *Request) Query(key string) string {
	return r.Raw.URL.Query().Get(key)
}

// Response carries a handler result back to the serializer. A nil Body
// writes just the status. ContentType defaults to application/json with
// the document encoding rules applied.
type Response struct {
	Status      int
	Body        any
	ContentType string
}

// HandlerFunc is the route handler contract. A returned error becomes an
// HTTP 500 with a text body carrying the message.
type HandlerFunc func(req *Request) (*Response, error)

type routeInfo struct {
	Methods []string
	Path    string
}

// StaticMount records a mounted directory for the docs page.
type StaticMount struct {
	URLPrefix string
	Directory string
	Name      string
}

const maxHandlerBody = 10 * 1024 * 1024

// Server is the in-process HTTP service owned by the tray host.
type Server struct {
	host   string
	port   int
	router *mux.Router
	log    *slog.Logger
	feed   *Feed

	state atomic.Int32

	mu       sync.Mutex
	onStop   []func()
	stopped  bool // onStop callbacks fired for the current run
	routes   []routeInfo
	statics  []StaticMount
	httpSrv  *http.Server
	listener net.Listener
	serveEnd chan struct{}

	originRe *regexp.Regexp
}

// New creates a stopped server bound to host:port once started.
func New(host string, port int, logger *slog.Logger) *Server {
	s := &Server{
		host:     host,
		port:     port,
		router:   mux.NewRouter(),
		log:      logger,
		feed:     newFeed(logger),
		originRe: regexp.MustCompile(`^https?://` + regexp.QuoteMeta(host)),
	}
	s.router.Use(s.corsMiddleware, s.recoverMiddleware)
	return s
}

// BaseURL returns the http URL of the bound service.
func (s *Server) BaseURL() string {
	return netutil.BaseURL(s.host, s.port)
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.port
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Running reports whether the serve loop accepts requests.
func (s *Server) Running() bool {
	return s.State() == StateRunning
}

// Feed returns the live event feed hub.
func (s *Server) Feed() *Feed {
	return s.feed
}

// OnStop registers a callback run after the serve loop closes, whether
// by Stop or by a crashed loop.
func (s *Server) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, fn)
}

// AddRoute registers a handler for a path template with positional
// parameters. methods is "*" (expanded to every verb) or a subset of the
// supported verbs. Routes must be added before the server starts.
func (s *Server) AddRoute(methods any, path string, handler HandlerFunc) error {
	if s.State() != StateStopped {
		return domain.ErrNotRunning
	}
	verbs, err := expandMethods(methods)
	if err != nil {
		return err
	}

	s.router.HandleFunc(path, s.wrap(handler)).Methods(verbs...)
	s.mu.Lock()
	s.routes = append(s.routes, routeInfo{Methods: verbs, Path: path})
	s.mu.Unlock()
	return nil
}

// AddStatic mounts a filesystem directory under a URL prefix. Name
// defaults to the prefix.
func (s *Server) AddStatic(urlPrefix, directory, name string) error {
	if s.State() != StateStopped {
		return domain.ErrNotRunning
	}
	if name == "" {
		name = urlPrefix
	}
	fileServer := http.StripPrefix(urlPrefix, http.FileServer(http.Dir(directory)))
	s.router.PathPrefix(urlPrefix).Handler(fileServer)

	s.mu.Lock()
	s.statics = append(s.statics, StaticMount{URLPrefix: urlPrefix, Directory: directory, Name: name})
	s.mu.Unlock()
	return nil
}

// Start binds the socket and launches the serve loop. The state is
// Running only once the listener accepts connections.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("cannot start web service in state %s", s.State())
	}

	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.listener = ln
	s.serveEnd = make(chan struct{})
	s.stopped = false
	serveEnd := s.serveEnd
	s.mu.Unlock()

	go func() {
		defer close(serveEnd)
		err := srv.Serve(ln)
		crashed := err != nil && !errors.Is(err, http.ErrServerClosed)
		if crashed {
			s.log.Error("web service loop failed", "err", err)
		}
		s.state.Store(int32(StateStopped))
		s.runStopCallbacks()
	}()

	// The serve goroutine stores Stopped when the loop dies; losing
	// this swap means it already died during startup.
	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		return fmt.Errorf("%w: web service loop exited during startup", domain.ErrUnavailable)
	}
	s.log.Info("web service listening", "url", s.BaseURL())
	return nil
}

// Stop shuts the serve loop down and waits for it to close. Registered
// on-stop callbacks run after the loop exits.
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if s.State() != StateStopping {
			// Never started or already down; nothing to close.
			return nil
		}
		// Another Stop won the swap; wait for the loop it is closing.
		s.mu.Lock()
		serveEnd := s.serveEnd
		s.mu.Unlock()
		if serveEnd != nil {
			select {
			case <-serveEnd:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	s.mu.Lock()
	srv := s.httpSrv
	serveEnd := s.serveEnd
	s.mu.Unlock()

	s.feed.closeAll()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if serveEnd != nil {
		select {
		case <-serveEnd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Server) runStopCallbacks() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	callbacks := make([]func(), len(s.onStop))
	copy(callbacks, s.onStop)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// wrap adapts a [HandlerFunc] to net/http: decode params, bound the
// body, serialize the response, turn errors into 5xx text bodies.
func (s *Server) wrap(handler HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHandlerBody))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		req := &Request{Params: mux.Vars(r), Body: body, Raw: r}

		resp, err := handler(req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrInvalidConfig) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeResponse(w, r, resp)
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	var payload []byte
	if raw, ok := resp.Body.([]byte); ok {
		payload = raw
	} else {
		var err error
		payload, err = jsonutil.Marshal(resp.Body)
		if err != nil {
			s.log.Error("response encoding failed", "path", r.URL.Path, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// corsMiddleware allows same-host origins with credentials, all methods
// and headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originRe.MatchString(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT")
			h.Set("Access-Control-Allow-Headers", "*")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, fmt.Sprintf("internal error: %v", rec), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func expandMethods(methods any) ([]string, error) {
	switch v := methods.(type) {
	case string:
		// "all" is the older producer spelling of the wildcard.
		if v == "*" || strings.EqualFold(strings.TrimSpace(v), "all") {
			return allMethods, nil
		}
		verb, err := domain.ParseMethod(v)
		if err != nil {
			return nil, err
		}
		return []string{verb.HTTP()}, nil
	case []string:
		if len(v) == 0 {
			return nil, domain.Invalid("methods", "must name at least one verb")
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			verb, err := domain.ParseMethod(item)
			if err != nil {
				return nil, err
			}
			out = append(out, verb.HTTP())
		}
		return out, nil
	case domain.Method:
		return []string{v.HTTP()}, nil
	default:
		return nil, domain.Invalid("methods", "must be \"*\", a verb, or a list of verbs")
	}
}
