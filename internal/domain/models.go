// Package domain defines the core data types shared across the stagepipe
// tray host, web service, dispatch worker, and store layers.
package domain

import (
	"strings"
	"time"
)

// Method is an HTTP method from the closed set accepted by the event
// queue. Values are stored lowercase, matching the wire format used by
// producers across the fleet.
type Method string

const (
	MethodDelete  Method = "delete"
	MethodGet     Method = "get"
	MethodHead    Method = "head"
	MethodOptions Method = "options"
	MethodPatch   Method = "patch"
	MethodPost    Method = "post"
	MethodPut     Method = "put"
)

// Methods lists every supported method in registration order.
var Methods = []Method{
	MethodDelete,
	MethodGet,
	MethodHead,
	MethodOptions,
	MethodPatch,
	MethodPost,
	MethodPut,
}

// ParseMethod normalizes s and maps it onto the closed method set.
// Unknown methods are rejected at registration time rather than at
// dispatch time.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return "", ErrUnknownMethod
}

// HTTP returns the uppercase form used on the wire.
func (m Method) HTTP() string {
	return strings.ToUpper(string(m))
}

// Event is a scheduled HTTP invocation queued in the shared store and
// dispatched locally by a workstation's tray worker.
type Event struct {
	ID           string         `bson:"_id" json:"id"`
	Timestamp    time.Time      `bson:"timestamp" json:"timestamp"`
	Route        string         `bson:"route" json:"route"`
	Type         Method         `bson:"type" json:"type"`
	TargetUsers  []string       `bson:"target_users" json:"target_users"`
	TargetGroups []string       `bson:"target_groups" json:"target_groups"`
	Content      map[string]any `bson:"content,omitempty" json:"content,omitempty"`
	ExpireAt     *time.Time     `bson:"expire_at,omitempty" json:"expire_at,omitempty"`
}

// Expired reports whether the event's delivery window has passed at now.
// Events without expire_at never expire.
func (e Event) Expired(now time.Time) bool {
	return e.ExpireAt != nil && e.ExpireAt.Before(now)
}

// Targeted reports whether the event applies to the given user and group
// memberships. Empty target lists mean everyone.
func (e Event) Targeted(user string, groups []string) bool {
	if len(e.TargetUsers) == 0 && len(e.TargetGroups) == 0 {
		return true
	}
	for _, u := range e.TargetUsers {
		if u == user {
			return true
		}
	}
	for _, g := range e.TargetGroups {
		for _, member := range groups {
			if g == member {
				return true
			}
		}
	}
	return false
}

// User roles recognized by the tray host when gating privileged tools.
const (
	RoleUser          = "user"
	RoleDeveloper     = "developer"
	RoleAdministrator = "administrator"
)

// UserProfile describes the current OS user as recorded in the per-user
// registry. Read once at process start. Groups drive event targeting.
type UserProfile struct {
	UserID string   `json:"user_id"`
	Role   string   `json:"role"`
	Groups []string `json:"groups"`
}

// IsAdministrator reports whether the profile may use restricted tools.
func (p UserProfile) IsAdministrator() bool {
	return p.Role == RoleAdministrator
}
