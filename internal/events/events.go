// Package events holds the producer API for the shared event queue: any
// process in the fleet registers HTTP invocations here and the target
// workstation's tray worker dispatches them locally.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagepipe/stagepipe/internal/domain"
)

// MinimumLifespanMargin is added on top of a producer's expire_in and to
// the store's TTL grace. An event whose window closes between two worker
// polls must still be readable when the poll runs.
const MinimumLifespanMargin = 10 * time.Second

// Store is the narrow port over the persisted event collection. The
// production implementation lives in the docdb package; tests substitute
// an in-memory fake.
type Store interface {
	Insert(ctx context.Context, e domain.Event) error
	FetchNewerThan(ctx context.Context, ts time.Time) ([]domain.Event, error)
}

// Input is a registration request before validation. Content and the
// target fields are loosely typed because producers feed them straight
// from decoded JSON; validation narrows them.
type Input struct {
	Route        string
	Type         string
	Content      any
	TargetUsers  any
	TargetGroups any
	// ExpireIn is the delivery window in whole seconds; nil means the
	// event never expires on its own.
	ExpireIn *int
}

// Register validates input, stamps the event, and inserts it. The
// returned event carries the assigned id and timestamps.
func Register(ctx context.Context, store Store, in Input) (domain.Event, error) {
	e, err := build(in, time.Now().UTC())
	if err != nil {
		return domain.Event{}, err
	}
	if err := store.Insert(ctx, e); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

func build(in Input, now time.Time) (domain.Event, error) {
	route := strings.TrimSpace(in.Route)
	if route == "" {
		return domain.Event{}, domain.Invalid("route", "must be a non-empty string")
	}
	if strings.TrimSpace(in.Type) == "" {
		return domain.Event{}, domain.Invalid("type", "must be a non-empty string")
	}
	method, err := domain.ParseMethod(in.Type)
	if err != nil {
		return domain.Event{}, err
	}

	users, err := targetList("target_users", in.TargetUsers)
	if err != nil {
		return domain.Event{}, err
	}
	groups, err := targetList("target_groups", in.TargetGroups)
	if err != nil {
		return domain.Event{}, err
	}
	content, err := contentMapping(in.Content)
	if err != nil {
		return domain.Event{}, err
	}

	e := domain.Event{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Route:        route,
		Type:         method,
		TargetUsers:  users,
		TargetGroups: groups,
		Content:      content,
	}
	if in.ExpireIn != nil {
		if *in.ExpireIn <= 0 {
			return domain.Event{}, domain.Invalid("expire_in", "must be a strictly positive number of seconds")
		}
		expireAt := now.Add(time.Duration(*in.ExpireIn)*time.Second + MinimumLifespanMargin)
		e.ExpireAt = &expireAt
	}
	return e, nil
}

// targetList accepts a string (wrapped into a one-element list), a
// []string, or nil. Everything else is a validation failure.
func targetList(field string, v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return []string{}, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return []string{}, nil
		}
		return []string{val}, nil
	case []string:
		if val == nil {
			return []string{}, nil
		}
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, domain.Invalid(field, "must be a list of identifiers")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, domain.Invalid(field, "must be a list of identifiers")
	}
}

// contentMapping accepts nil or a mapping. Anything else, including an
// empty string, is a validation failure.
func contentMapping(v any) (map[string]any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return val, nil
	default:
		return nil, domain.Invalid("content", "must be absent or a mapping")
	}
}
