// Package registry implements the per-user, per-workstation key/value
// store backed by a SQLite database. It holds the dispatch worker's
// high-water mark and the cached web service URL.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stagepipe/stagepipe/internal/domain"
)

// Well-known keys used by the tray core.
const (
	KeyLastHandledEventTimestamp = "last_handled_event_timestamp"
	KeyWebserverURL              = "webserver_url"
	keyRole                      = "role"
	keyGroups                    = "groups"
)

// Registry wraps a SQLite database holding one row per key. Values are
// JSON-encoded so callers can store strings, numbers, and small records.
// Safe for concurrent use within one process; across processes the last
// writer wins.
type Registry struct {
	db      *sql.DB
	profile domain.UserProfile
}

// Open creates or opens the registry database at path and reads the user
// profile once.
func Open(path string) (*Registry, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Single-writer workload; WAL keeps tray readers unblocked.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("registry setup (%s): %w", pragma, err)
		}
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS items (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Registry{db: db}
	r.profile, err = r.readProfile(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// GetItem returns the value stored under key, or fallback when absent.
func (r *Registry) GetItem(ctx context.Context, key string, fallback any) (any, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM items WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("registry key %q: %w", key, err)
	}
	return value, nil
}

// SetItem atomically replaces the value stored under key.
func (r *Registry) SetItem(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO items(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UTC())
	return err
}

// GetString is [GetItem] narrowed to string values.
func (r *Registry) GetString(ctx context.Context, key, fallback string) (string, error) {
	v, err := r.GetItem(ctx, key, fallback)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("registry key %q holds %T, want string", key, v)
	}
	return s, nil
}

// LastHandledEventTimestamp returns the worker high-water mark. An
// absent or unparsable value is treated as the epoch.
func (r *Registry) LastHandledEventTimestamp(ctx context.Context) (time.Time, error) {
	raw, err := r.GetString(ctx, KeyLastHandledEventTimestamp, "")
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Unix(0, 0).UTC(), nil
	}
	return ts.UTC(), nil
}

// SetLastHandledEventTimestamp persists the worker high-water mark as an
// ISO-8601 UTC string.
func (r *Registry) SetLastHandledEventTimestamp(ctx context.Context, ts time.Time) error {
	return r.SetItem(ctx, KeyLastHandledEventTimestamp, ts.UTC().Format(time.RFC3339Nano))
}

// WebserverURL returns the cached tray web service URL, empty if unset.
func (r *Registry) WebserverURL(ctx context.Context) (string, error) {
	return r.GetString(ctx, KeyWebserverURL, "")
}

// SetWebserverURL caches the tray web service URL.
func (r *Registry) SetWebserverURL(ctx context.Context, url string) error {
	return r.SetItem(ctx, KeyWebserverURL, url)
}

// UserProfile returns the profile read at open time.
func (r *Registry) UserProfile() domain.UserProfile {
	return r.profile
}

func (r *Registry) readProfile(ctx context.Context) (domain.UserProfile, error) {
	role, err := r.GetString(ctx, keyRole, domain.RoleUser)
	if err != nil {
		return domain.UserProfile{}, err
	}
	switch role {
	case domain.RoleUser, domain.RoleDeveloper, domain.RoleAdministrator:
	default:
		role = domain.RoleUser
	}
	groups, err := r.readGroups(ctx)
	if err != nil {
		return domain.UserProfile{}, err
	}
	return domain.UserProfile{UserID: currentUserID(), Role: role, Groups: groups}, nil
}

// readGroups returns the user's group memberships stored under the
// groups key. Non-string entries are skipped rather than failing the
// whole profile.
func (r *Registry) readGroups(ctx context.Context) ([]string, error) {
	raw, err := r.GetItem(ctx, keyGroups, nil)
	if err != nil {
		return nil, err
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	var groups []string
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			groups = append(groups, s)
		}
	}
	return groups, nil
}

func currentUserID() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return os.Getenv("USERNAME")
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
