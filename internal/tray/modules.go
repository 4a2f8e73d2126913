package tray

import (
	"github.com/stagepipe/stagepipe/internal/webserver"
)

// Module is the minimal contract every tray module fulfills. Optional
// capabilities are separate interfaces; the host iterates by capability
// instead of probing attributes.
type Module interface {
	Name() string
}

// Initializer runs before the web service exists.
type Initializer interface {
	TrayInit(host *Host) error
}

// WebServerInitializer registers routes once the web service exists but
// before it starts.
type WebServerInitializer interface {
	WebServerInit(server *webserver.Server) error
}

// Starter runs after the web service and the dispatch worker are up.
type Starter interface {
	TrayStart() error
}

// Exiter runs during shutdown, after the worker and web service stop.
type Exiter interface {
	TrayExit()
}

// HostAddon marks modules that integrate a DCC host application.
type HostAddon interface {
	Module
	HostName() string
	WorkfileExtensions() []string
}

// Notifier is re-exported so modules can advertise the balloon
// capability without importing the webserver package for it alone.
type Notifier = webserver.Notifier
