package tray

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagepipe/stagepipe/internal/config"
	"github.com/stagepipe/stagepipe/internal/domain"
	"github.com/stagepipe/stagepipe/internal/registry"
)

type plainModule struct{ name string }

func (m *plainModule) Name() string { return m.name }

type balloonModule struct {
	plainModule
	messages []string
}

func (m *balloonModule) ShowNotification(message string) error {
	m.messages = append(m.messages, message)
	return nil
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	cfg := config.TrayConfig{
		DBURI:        "mongodb://db.internal:27017",
		RegistryPath: filepath.Join(t.TempDir(), "registry.db"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(cfg, "test", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.registry.Close() })
	return h
}

func TestNotifierCapabilityLookup(t *testing.T) {
	h := newTestHost(t)

	if h.notifier() != nil {
		t.Fatal("host without modules has no notifier")
	}

	h.AddModule(&plainModule{name: "workfiles"})
	if h.notifier() != nil {
		t.Fatal("modules without the capability must not be picked")
	}

	balloon := &balloonModule{plainModule: plainModule{name: "balloon"}}
	h.AddModule(balloon)
	n := h.notifier()
	if n == nil {
		t.Fatal("balloon module must be found by capability")
	}
	if err := n.ShowNotification("hi"); err != nil {
		t.Fatal(err)
	}
	if len(balloon.messages) != 1 {
		t.Fatalf("messages = %v", balloon.messages)
	}
}

func TestDispatchOptionsCarryProfileGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, err := registry.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.SetItem(context.Background(), "groups", []string{"comp", "lighting"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := config.TrayConfig{
		DBURI:           "mongodb://db.internal:27017",
		RegistryPath:    path,
		PollInterval:    45 * time.Second,
		DispatchTimeout: 5 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(cfg, "test", logger)
	if err != nil {
		t.Fatal(err)
	}
	defer h.registry.Close()

	opts := h.dispatchOptions()
	if opts.User == "" {
		t.Error("worker options must carry the session user")
	}
	if len(opts.Groups) != 2 || opts.Groups[0] != "comp" || opts.Groups[1] != "lighting" {
		t.Fatalf("worker options groups = %v", opts.Groups)
	}
	if opts.PollInterval != 45*time.Second || opts.RequestTimeout != 5*time.Second {
		t.Errorf("worker options timings = %v/%v", opts.PollInterval, opts.RequestTimeout)
	}

	// An event aimed only at one of those groups must count as targeted
	// under exactly these options, or the worker would drain it.
	e := domain.Event{TargetGroups: []string{"lighting"}}
	if !e.Targeted(opts.User, opts.Groups) {
		t.Fatal("group-targeted event must be deliverable on this workstation")
	}
}

func TestNewHostState(t *testing.T) {
	h := newTestHost(t)

	if h.Failed() {
		t.Error("fresh host must not report failure")
	}
	if h.Registry() == nil || h.Gateway() == nil {
		t.Error("registry and gateway must exist after New")
	}
	if h.Server() != nil {
		t.Error("web service must not exist before Start")
	}
	if h.Registry().UserProfile().UserID == "" {
		t.Error("user profile must resolve at New")
	}
}
