// Package dispatch implements the tray's background worker: it drains
// the shared event queue in timestamp order, replays each event as an
// HTTP call against the local web service, and advances a monotone
// high-water mark so every event is delivered at most once per
// workstation.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stagepipe/stagepipe/internal/domain"
	"github.com/stagepipe/stagepipe/internal/netutil"
)

// EventSource is the read path over the shared event store.
type EventSource interface {
	FetchNewerThan(ctx context.Context, ts time.Time) ([]domain.Event, error)
}

// Progress persists the high-water mark between cycles and restarts.
type Progress interface {
	LastHandledEventTimestamp(ctx context.Context) (time.Time, error)
	SetLastHandledEventTimestamp(ctx context.Context, ts time.Time) error
}

// Service exposes the local web service to the worker: whether its serve
// loop is up, and the base URL dispatches are issued against. The URL is
// read once when the worker starts.
type Service interface {
	Running() bool
	BaseURL() string
}

// Options tune the worker. Zero values select the defaults.
type Options struct {
	// PollInterval separates two cycle starts. Default 120s.
	PollInterval time.Duration
	// NotRunningRetry is the delay before re-checking a web service
	// that is not listening yet. Default 10s.
	NotRunningRetry time.Duration
	// RequestTimeout bounds one outbound dispatch. Default 30s.
	RequestTimeout time.Duration
	// User and Groups identify this workstation's session for event
	// targeting. Events aimed at other users are drained untouched.
	User   string
	Groups []string
}

const defaultPollInterval = 120 * time.Second
const defaultNotRunningRetry = 10 * time.Second
const defaultRequestTimeout = 30 * time.Second

// Worker runs one cooperative poll loop. Only a single cycle is ever in
// flight; overlapping cycles are a bug and are guarded against.
type Worker struct {
	source   EventSource
	progress Progress
	service  Service
	opts     Options
	client   *http.Client
	log      *slog.Logger

	baseURL string

	started     atomic.Bool
	stopped     atomic.Bool
	cycleActive atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a stopped worker.
func New(source EventSource, progress Progress, service Service, opts Options, logger *slog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.NotRunningRetry <= 0 {
		opts.NotRunningRetry = defaultNotRunningRetry
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Worker{
		source:   source,
		progress: progress,
		service:  service,
		opts:     opts,
		client:   &http.Client{Timeout: opts.RequestTimeout},
		log:      logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the poll loop. The first cycle runs immediately.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.baseURL = w.service.BaseURL()
	go w.run()
}

// Stop requests a cooperative stop: the in-flight dispatch finishes, no
// new one starts, the high-water mark is persisted, and the loop exits.
// Stop blocks until the loop is down or ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stopCh)
	}
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-timer.C:
		}
		timer.Reset(w.cycle())
	}
}

// cycle runs one poll pass and returns the delay before the next one.
func (w *Worker) cycle() time.Duration {
	if !w.cycleActive.CompareAndSwap(false, true) {
		// Must be unreachable from the single loop goroutine.
		w.log.Error("event cycle overlap detected, skipping cycle")
		return w.opts.PollInterval
	}
	defer w.cycleActive.Store(false)

	start := time.Now()
	ctx := context.Background()

	if !w.service.Running() {
		w.log.Debug("web service not listening yet, delaying event cycle")
		return w.opts.NotRunningRetry
	}

	mark, err := w.progress.LastHandledEventTimestamp(ctx)
	if err != nil {
		w.log.Error("failed to read high-water mark", "err", err)
		return w.opts.PollInterval
	}
	pending, err := w.source.FetchNewerThan(ctx, mark)
	if err != nil {
		w.log.Warn("event store unavailable, skipping cycle", "err", err)
		return w.opts.PollInterval
	}

	consumed := 0
	for _, e := range pending {
		if w.stopRequested() {
			break
		}
		now := time.Now().UTC()
		switch {
		case e.Expired(now):
			// Expired events are drained, never retried.
			w.log.Debug("event expired before dispatch", "id", e.ID, "route", e.Route)
		case !e.Targeted(w.opts.User, w.opts.Groups):
			w.log.Debug("event targets another session", "id", e.ID, "route", e.Route)
		default:
			if err := w.dispatch(ctx, e); err != nil {
				// At-most-once: the mark still advances. Routes that
				// must be reliable have to be idempotent or schedule a
				// follow-up event.
				w.log.Warn("event dispatch failed", "id", e.ID, "route", e.Route, "err", err)
			}
		}
		mark = e.Timestamp
		consumed++
	}

	if consumed > 0 {
		if err := w.progress.SetLastHandledEventTimestamp(ctx, mark); err != nil {
			w.log.Error("failed to persist high-water mark", "err", err)
		} else {
			w.log.Info("event cycle finished", "consumed", consumed, "mark", mark.UTC().Format(time.RFC3339))
		}
	}

	next := w.opts.PollInterval - time.Since(start)
	if next < 0 {
		next = 0
	}
	return next
}

func (w *Worker) dispatch(ctx context.Context, e domain.Event) error {
	target := netutil.JoinRoute(w.baseURL, e.Route)
	body, query, err := splitContent(e.Content)
	if err != nil {
		return err
	}
	if query != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, e.Type.HTTP(), target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", e.Type.HTTP(), e.Route, resp.StatusCode)
	}
	return nil
}

// splitContent maps the event's content bag onto an outbound request:
// "params" becomes the query string, "json" the body; any other content
// is sent as the JSON body itself.
func splitContent(content map[string]any) (body []byte, query string, err error) {
	if len(content) == 0 {
		return nil, "", nil
	}

	rest := make(map[string]any, len(content))
	for k, v := range content {
		rest[k] = v
	}

	if raw, ok := rest["params"]; ok {
		delete(rest, "params")
		params, ok := raw.(map[string]any)
		if !ok {
			return nil, "", domain.Invalid("content.params", "must be a mapping")
		}
		values := url.Values{}
		for k, v := range params {
			values.Set(k, fmt.Sprintf("%v", v))
		}
		query = values.Encode()
	}

	var payload any
	if raw, ok := rest["json"]; ok {
		delete(rest, "json")
		payload = raw
	} else if len(rest) > 0 {
		payload = rest
	}
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
	}
	return body, query, nil
}

func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}
