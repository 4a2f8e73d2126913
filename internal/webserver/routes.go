package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stagepipe/stagepipe/internal/domain"
	"github.com/stagepipe/stagepipe/internal/versionutil"
)

// Catalog is the read-only document source behind the REST routes.
type Catalog interface {
	ListProjects(ctx context.Context) ([]map[string]any, error)
	GetProject(ctx context.Context, project string) (map[string]any, error)
	ListAssets(ctx context.Context, project string) ([]map[string]any, error)
	GetAsset(ctx context.Context, project, asset string) (map[string]any, error)
}

// Notifier is the tray icon's balloon API. It is optional: headless tray
// processes run without one.
type Notifier interface {
	ShowNotification(message string) error
}

// CoreRoutes bundles the collaborators of the built-in route set.
type CoreRoutes struct {
	Catalog   Catalog
	Notifier  func() Notifier
	StaticDir string
	Version   string
}

type coreRoutes struct {
	CoreRoutes
	server  *Server
	started time.Time
}

// RegisterCoreRoutes installs the built-in tray routes. Must be called
// before Start, after module routes if their paths should win.
func (s *Server) RegisterCoreRoutes(cfg CoreRoutes) error {
	c := &coreRoutes{CoreRoutes: cfg, server: s, started: time.Now()}

	routes := []struct {
		methods any
		path    string
		handler HandlerFunc
	}{
		{"get", "/", c.statusPage},
		{"get", "/favicon.ico", c.staticFile("favicon.ico", "image/x-icon")},
		{"get", "/logo.png", c.staticFile("logo.png", "image/png")},
		{"get", "/docs", c.docsPage},
		{"get", "/projects", c.listProjects},
		{"get", "/projects/{project_name}", c.getProject},
		{"get", "/projects/{project_name}/assets", c.listAssets},
		{"get", "/projects/{project_name}/assets/{asset_name}", c.getAsset},
		{"post", "/notification/tray/", c.showNotification},
	}
	for _, r := range routes {
		if err := s.AddRoute(r.methods, r.path, r.handler); err != nil {
			return fmt.Errorf("route %s: %w", r.path, err)
		}
	}

	// The event feed needs the raw connection for the upgrade, so it
	// bypasses the handler wrapper.
	s.router.HandleFunc("/events/feed", s.feed.handle).Methods(http.MethodGet)
	s.mu.Lock()
	s.routes = append(s.routes, routeInfo{Methods: []string{http.MethodGet}, Path: "/events/feed"})
	s.mu.Unlock()
	return nil
}

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>stagepipe tray</title></head>
<body>
<h1>stagepipe tray service</h1>
<ul>
<li>version: {{.Version}}</li>
<li>state: {{.State}}</li>
<li>uptime: {{.Uptime}}</li>
<li>routes: {{.Routes}}</li>
<li>feed subscribers: {{.Subscribers}}</li>
</ul>
<p><a href="/docs">API documentation</a></p>
</body>
</html>
`))

func (c *coreRoutes) statusPage(req *Request) (*Response, error) {
	var page strings.Builder
	data := struct {
		Version     string
		State       string
		Uptime      string
		Routes      int
		Subscribers int
	}{
		Version:     versionutil.Short(c.Version),
		State:       c.server.State().String(),
		Uptime:      time.Since(c.started).Round(time.Second).String(),
		Routes:      len(c.server.routeTable()),
		Subscribers: c.server.feed.Subscribers(),
	}
	if err := statusTemplate.Execute(&page, data); err != nil {
		return nil, err
	}
	return &Response{
		Status:      http.StatusOK,
		Body:        []byte(page.String()),
		ContentType: "text/html; charset=utf-8",
	}, nil
}

func (c *coreRoutes) staticFile(name, contentType string) HandlerFunc {
	return func(req *Request) (*Response, error) {
		if c.StaticDir == "" {
			return &Response{Status: http.StatusNotFound, Body: name + " not available"}, nil
		}
		data, err := os.ReadFile(filepath.Join(c.StaticDir, name))
		if err != nil {
			return &Response{Status: http.StatusNotFound, Body: name + " not available"}, nil
		}
		return &Response{Status: http.StatusOK, Body: data, ContentType: contentType}, nil
	}
}

// docsPage generates the API documentation from the live route table.
func (c *coreRoutes) docsPage(req *Request) (*Response, error) {
	routes := c.server.routeTable()
	sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })

	type docRoute struct {
		Methods []string `json:"methods"`
		Path    string   `json:"path"`
	}
	type docMount struct {
		Prefix    string `json:"prefix"`
		Directory string `json:"directory"`
		Name      string `json:"name"`
	}
	doc := struct {
		Service string     `json:"service"`
		Version string     `json:"version"`
		Routes  []docRoute `json:"routes"`
		Static  []docMount `json:"static"`
	}{
		Service: "stagepipe tray",
		Version: c.Version,
	}
	for _, r := range routes {
		doc.Routes = append(doc.Routes, docRoute{Methods: r.Methods, Path: r.Path})
	}
	for _, m := range c.server.staticTable() {
		doc.Static = append(doc.Static, docMount{Prefix: m.URLPrefix, Directory: m.Directory, Name: m.Name})
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusOK, Body: payload}, nil
}

func (c *coreRoutes) listProjects(req *Request) (*Response, error) {
	docs, err := c.Catalog.ListProjects(req.Raw.Context())
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusOK, Body: anySlice(docs)}, nil
}

func (c *coreRoutes) getProject(req *Request) (*Response, error) {
	name := req.Params["project_name"]
	doc, err := c.Catalog.GetProject(req.Raw.Context(), name)
	if errors.Is(err, domain.ErrNotFound) {
		return &Response{
			Status: http.StatusNotFound,
			Body:   fmt.Sprintf("Project name %s not found", name),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusOK, Body: doc}, nil
}

func (c *coreRoutes) listAssets(req *Request) (*Response, error) {
	name := req.Params["project_name"]
	docs, err := c.Catalog.ListAssets(req.Raw.Context(), name)
	if errors.Is(err, domain.ErrNotFound) {
		return &Response{
			Status: http.StatusNotFound,
			Body:   fmt.Sprintf("Project name %s not found", name),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusOK, Body: anySlice(docs)}, nil
}

func (c *coreRoutes) getAsset(req *Request) (*Response, error) {
	project := req.Params["project_name"]
	asset := req.Params["asset_name"]
	doc, err := c.Catalog.GetAsset(req.Raw.Context(), project, asset)
	if errors.Is(err, domain.ErrNotFound) {
		return &Response{
			Status: http.StatusNotFound,
			Body:   fmt.Sprintf("Asset name %s not found", asset),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusOK, Body: doc}, nil
}

func (c *coreRoutes) showNotification(req *Request) (*Response, error) {
	message := req.Query("message")
	if message == "" && len(req.Body) > 0 {
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(req.Body, &payload); err == nil {
			message = payload.Message
		}
	}
	if message == "" {
		return nil, domain.Invalid("message", "must not be empty")
	}

	if c.Notifier != nil {
		if notifier := c.Notifier(); notifier != nil {
			if err := notifier.ShowNotification(message); err != nil {
				return nil, err
			}
		}
	}
	c.server.feed.Publish(map[string]any{
		"kind":      "notification",
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return &Response{
		Status: http.StatusOK,
		Body:   map[string]any{"message": "Message displayed"},
	}, nil
}

func (s *Server) routeTable() []routeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]routeInfo, len(s.routes))
	copy(out, s.routes)
	return out
}

func (s *Server) staticTable() []StaticMount {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StaticMount, len(s.statics))
	copy(out, s.statics)
	return out
}

func anySlice(docs []map[string]any) []any {
	out := make([]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc)
	}
	return out
}
