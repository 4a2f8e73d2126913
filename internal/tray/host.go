// Package tray is the process-wide composition root of the workstation
// tray: it owns the store gateway, the per-user registry, the web
// service, and the dispatch worker, and drives module lifecycle.
package tray

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/stagepipe/stagepipe/internal/config"
	"github.com/stagepipe/stagepipe/internal/dispatch"
	"github.com/stagepipe/stagepipe/internal/registry"
	"github.com/stagepipe/stagepipe/internal/store/docdb"
	"github.com/stagepipe/stagepipe/internal/webserver"
)

// WebserverURLEnv is exported to child processes so DCC integrations
// find the local service without touching the registry.
const WebserverURLEnv = "STAGEPIPE_WEBSERVER_URL"

// Host wires the store gateway, registry, web service, and dispatch
// worker together for the lifetime of the tray process.
type Host struct {
	cfg     config.TrayConfig
	log     *slog.Logger
	version string

	gateway  *docdb.Gateway
	registry *registry.Registry
	server   *webserver.Server
	worker   *dispatch.Worker

	modules  []Module
	stopping atomic.Bool
	failed   atomic.Bool
}

// New opens the registry and the store gateway. The web service and the
// worker come up in Start.
func New(cfg config.TrayConfig, version string, logger *slog.Logger) (*Host, error) {
	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return &Host{
		cfg:      cfg,
		log:      logger,
		version:  version,
		gateway:  docdb.NewGateway(cfg.DBURI, cfg.DBTimeout, logger),
		registry: reg,
	}, nil
}

// AddModule registers a tray module. Must happen before Start.
func (h *Host) AddModule(m Module) {
	h.modules = append(h.modules, m)
}

// Registry exposes the per-user registry to modules.
func (h *Host) Registry() *registry.Registry {
	return h.registry
}

// Gateway exposes the document store gateway to modules.
func (h *Host) Gateway() *docdb.Gateway {
	return h.gateway
}

// Server returns the web service; nil before Start.
func (h *Host) Server() *webserver.Server {
	return h.server
}

// Failed reports whether the web service stopped unexpectedly; the tray
// icon switches to the failed state when this is set.
func (h *Host) Failed() bool {
	return h.failed.Load()
}

// Start brings the tray up: free port, web service with module and core
// routes, URL published to the registry and the environment, then the
// dispatch worker.
func (h *Host) Start(ctx context.Context) error {
	port, err := webserver.FindFreePort(h.cfg.Host, h.cfg.PortRangeStart, h.cfg.PortRangeEnd, h.cfg.ExcludedPorts)
	if err != nil {
		return err
	}
	h.server = webserver.New(h.cfg.Host, port, h.log)

	if h.cfg.StaticDir != "" {
		if err := h.server.AddStatic("/res", h.cfg.StaticDir, "resources"); err != nil {
			return err
		}
	}
	if h.cfg.ThumbnailRoot != "" {
		if err := h.server.AddStatic("/thumbnails", h.cfg.ThumbnailRoot, "thumbnails"); err != nil {
			return err
		}
	}

	for _, m := range h.modules {
		if init, ok := m.(Initializer); ok {
			if err := init.TrayInit(h); err != nil {
				return fmt.Errorf("module %s init: %w", m.Name(), err)
			}
		}
	}
	for _, m := range h.modules {
		if wsInit, ok := m.(WebServerInitializer); ok {
			if err := wsInit.WebServerInit(h.server); err != nil {
				return fmt.Errorf("module %s webserver init: %w", m.Name(), err)
			}
		}
	}

	err = h.server.RegisterCoreRoutes(webserver.CoreRoutes{
		Catalog:   h.gateway.Catalog(h.cfg.ProjectsDBName),
		Notifier:  h.notifier,
		StaticDir: h.cfg.StaticDir,
		Version:   h.version,
	})
	if err != nil {
		return err
	}

	h.server.OnStop(func() {
		if h.stopping.Load() {
			return
		}
		h.failed.Store(true)
		h.log.Error("web service stopped unexpectedly, marking tray service failed")
	})

	if err := h.server.Start(); err != nil {
		return err
	}

	url := h.server.BaseURL()
	if err := h.registry.SetWebserverURL(ctx, url); err != nil {
		return fmt.Errorf("publish webserver url: %w", err)
	}
	if err := os.Setenv(WebserverURLEnv, url); err != nil {
		return err
	}

	source, err := h.gateway.EventStore(ctx, h.cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	h.worker = dispatch.New(source, h.registry, h.server, h.dispatchOptions(), h.log)
	h.worker.Start()

	for _, m := range h.modules {
		if starter, ok := m.(Starter); ok {
			if err := starter.TrayStart(); err != nil {
				return fmt.Errorf("module %s start: %w", m.Name(), err)
			}
		}
	}

	h.log.Info("tray host started", "url", url, "modules", len(h.modules))
	return nil
}

// Stop tears the tray down in reverse order: worker, web service, then
// module exits and store handles.
func (h *Host) Stop(ctx context.Context) error {
	h.stopping.Store(true)

	var firstErr error
	if h.worker != nil {
		if err := h.worker.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.server != nil {
		if err := h.server.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, m := range h.modules {
		if exiter, ok := m.(Exiter); ok {
			exiter.TrayExit()
		}
	}
	if err := h.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := h.gateway.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CanAccessStudioTools gates privileged actions: when the global policy
// restricts access, only administrators get them.
func (h *Host) CanAccessStudioTools(ctx context.Context) bool {
	restricted, err := h.gateway.AccessRestricted(ctx)
	if err != nil {
		h.log.Warn("failed to read access policy, keeping studio tools hidden", "err", err)
		return false
	}
	if !restricted {
		return true
	}
	return h.registry.UserProfile().IsAdministrator()
}

// dispatchOptions identifies this workstation's session to the worker.
// Both the user id and the group memberships come from the registry
// profile; events targeted at either must dispatch here.
func (h *Host) dispatchOptions() dispatch.Options {
	profile := h.registry.UserProfile()
	return dispatch.Options{
		PollInterval:   h.cfg.PollInterval,
		RequestTimeout: h.cfg.DispatchTimeout,
		User:           profile.UserID,
		Groups:         profile.Groups,
	}
}

// notifier returns the first module advertising the balloon capability.
func (h *Host) notifier() webserver.Notifier {
	for _, m := range h.modules {
		if n, ok := m.(Notifier); ok {
			return n
		}
	}
	return nil
}
