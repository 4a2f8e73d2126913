package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stagepipe/stagepipe/internal/events"
	"github.com/stagepipe/stagepipe/internal/log"
	"github.com/stagepipe/stagepipe/internal/store/docdb"
)

// runEvent queues one event from the command line, the same path other
// fleet producers use from their own processes.
func runEvent(ctx context.Context, args []string) int {
	var (
		uri      string
		route    string
		method   string
		content  string
		users    string
		groups   string
		expireIn int
		timeout  time.Duration
		poll     time.Duration
		level    string
	)
	fs := flag.NewFlagSet("event", flag.ContinueOnError)
	fs.StringVar(&uri, "uri", os.Getenv("STAGEPIPE_DB_URI"), "document store connection URI")
	fs.StringVar(&route, "route", "", "target route on the workstation web service")
	fs.StringVar(&method, "type", "get", "http method")
	fs.StringVar(&content, "content", "", "JSON object with the request content")
	fs.StringVar(&users, "target-users", "", "comma-separated target user ids")
	fs.StringVar(&groups, "target-groups", "", "comma-separated target group ids")
	fs.IntVar(&expireIn, "expire-in", 0, "delivery window in seconds, 0 means never expires")
	fs.DurationVar(&timeout, "timeout", time.Second, "server selection timeout")
	fs.DurationVar(&poll, "poll-interval", 120*time.Second, "worker poll interval the store TTL is sized for")
	fs.StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if uri == "" {
		fmt.Fprintln(os.Stderr, "error: -uri or STAGEPIPE_DB_URI is required")
		return 2
	}

	in := events.Input{
		Route:        route,
		Type:         method,
		TargetUsers:  splitList(users),
		TargetGroups: splitList(groups),
	}
	if content != "" {
		var bag map[string]any
		if err := json.Unmarshal([]byte(content), &bag); err != nil {
			fmt.Fprintln(os.Stderr, "error: -content must be a JSON object:", err)
			return 2
		}
		in.Content = bag
	}
	if expireIn != 0 {
		in.ExpireIn = &expireIn
	}

	logger := log.New(level, "text")
	gw := docdb.NewGateway(uri, timeout, logger)
	defer gw.Close(context.Background())

	store, err := gw.EventStore(ctx, poll)
	if err != nil {
		logger.Error("event store unavailable", "error", err)
		return 1
	}
	e, err := events.Register(ctx, store, in)
	if err != nil {
		logger.Error("event rejected", "error", err)
		return 1
	}
	logger.Info("event queued", "id", e.ID, "route", e.Route, "type", e.Type)
	return 0
}

func splitList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
