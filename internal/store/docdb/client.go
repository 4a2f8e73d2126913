// Package docdb implements the document database gateway used by the
// tray core. It is the only path by which other components reach the
// database: it owns connection caching, validation, retry, and the TLS
// root injection discipline for service-discovery URIs.
package docdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/stagepipe/stagepipe/internal/domain"
)

const defaultScheme = "mongodb"
const srvScheme = "mongodb+srv"

const defaultConnectAttempts = 3
const connectRetryPause = time.Second

// URIParts is the decomposition of a connection URI. Multi-host URIs are
// decomposed down to their first host for validation purposes.
type URIParts struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	AuthDB   string
}

// DecomposeURI splits a connection URI into its parts. A missing scheme
// defaults to the plain document-DB scheme; a non-integer port fails
// with [domain.ErrInvalidConfig].
func DecomposeURI(uri string) (URIParts, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return URIParts{}, domain.Invalid("uri", "must not be empty")
	}
	if !strings.Contains(uri, "://") {
		uri = defaultScheme + "://" + uri
	}

	u, err := url.Parse(uri)
	if err != nil {
		// Multi-host URIs (host1:p1,host2:p2) are not valid URLs for
		// net/url; fall back to manual splitting on the first host.
		return decomposeMultiHost(uri)
	}

	parts := URIParts{Scheme: u.Scheme, Host: u.Hostname()}
	if u.User != nil {
		parts.Username = u.User.Username()
		parts.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return URIParts{}, domain.Invalid("port", fmt.Sprintf("%q is not an integer", p))
		}
		parts.Port = n
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		parts.AuthDB = db
	}
	if strings.Contains(parts.Host, ",") {
		parts.Host, parts.Port, err = firstHost(parts.Host)
		if err != nil {
			return URIParts{}, err
		}
	}
	return parts, nil
}

func decomposeMultiHost(uri string) (URIParts, error) {
	rest := uri
	parts := URIParts{Scheme: defaultScheme}
	if scheme, tail, ok := strings.Cut(rest, "://"); ok {
		parts.Scheme = scheme
		rest = tail
	}
	if creds, tail, ok := strings.Cut(rest, "@"); ok {
		rest = tail
		user, pass, _ := strings.Cut(creds, ":")
		parts.Username = user
		parts.Password = pass
	}
	if hosts, tail, ok := strings.Cut(rest, "/"); ok {
		rest = hosts
		if db, _, _ := strings.Cut(tail, "?"); db != "" {
			parts.AuthDB = db
		}
	}
	host, port, err := firstHost(rest)
	if err != nil {
		return URIParts{}, err
	}
	parts.Host = host
	parts.Port = port
	return parts, nil
}

func firstHost(hosts string) (string, int, error) {
	first, _, _ := strings.Cut(hosts, ",")
	host, portStr, hasPort := strings.Cut(first, ":")
	if !hasPort {
		return host, 0, nil
	}
	n, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, domain.Invalid("port", fmt.Sprintf("%q is not an integer", portStr))
	}
	return host, n, nil
}

// ShouldInjectTLSCA reports whether connecting to uri needs the bundled
// CA file: the URI either uses the service-discovery scheme or flags TLS
// in its query, and does not already name a CA file. Injecting the file
// and re-checking returns false.
func ShouldInjectTLSCA(uri string) bool {
	uri = strings.TrimSpace(uri)
	scheme := defaultScheme
	if s, _, ok := strings.Cut(uri, "://"); ok {
		scheme = strings.ToLower(s)
	}
	query := ""
	if _, q, ok := strings.Cut(uri, "?"); ok {
		query = q
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		values = url.Values{}
	}

	if hasCAFile(values) {
		return false
	}
	if scheme == srvScheme {
		return true
	}
	return isTrue(values.Get("ssl")) || isTrue(values.Get("tls"))
}

func hasCAFile(values url.Values) bool {
	for key := range values {
		switch strings.ToLower(key) {
		case "tlscafile", "ssl_ca_certs", "tlscertificatekeyfile":
			return true
		}
	}
	return false
}

func isTrue(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// InjectTLSCA returns uri with the CA file appended to the query.
func InjectTLSCA(uri, caFile string) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "tlsCAFile=" + url.QueryEscape(caFile)
}

// Gateway hands out validated database clients keyed by URI. Clients are
// created lazily, cached process-wide, and revalidated on every reuse.
type Gateway struct {
	uri     string
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]*mongo.Client
}

// NewGateway creates a gateway with a default URI and server-selection
// timeout. The logger may not be nil.
func NewGateway(uri string, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Gateway{
		uri:     strings.TrimSpace(uri),
		timeout: timeout,
		log:     logger,
		clients: map[string]*mongo.Client{},
	}
}

// Client returns a validated client for the gateway's default URI.
func (g *Gateway) Client(ctx context.Context) (*mongo.Client, error) {
	return g.ClientFor(ctx, g.uri)
}

// ClientFor returns a cached, validated client for uri. On cache miss or
// failed validation a new client is created with the configured timeout,
// re-validated up to three times with a one second pause. Permission
// failures are not retried.
func (g *Gateway) ClientFor(ctx context.Context, uri string) (*mongo.Client, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, domain.Invalid("uri", "must not be empty")
	}
	if _, err := DecomposeURI(uri); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[uri]; ok {
		if err := g.validate(ctx, client); err == nil {
			return client, nil
		}
		g.log.Warn("cached database client failed validation, rebuilding", "host", redactedHost(uri))
		_ = client.Disconnect(ctx)
		delete(g.clients, uri)
	}

	var lastErr error
	for attempt := 1; attempt <= defaultConnectAttempts; attempt++ {
		client, err := g.connect(ctx, uri)
		if err == nil {
			if err = g.validate(ctx, client); err == nil {
				g.clients[uri] = client
				return client, nil
			}
			_ = client.Disconnect(ctx)
		}
		lastErr = err
		if isPermissionError(err) {
			break
		}
		if attempt < defaultConnectAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectRetryPause):
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, lastErr)
}

func (g *Gateway) connect(ctx context.Context, uri string) (*mongo.Client, error) {
	if ShouldInjectTLSCA(uri) {
		if caFile := caBundlePath(); caFile != "" {
			uri = InjectTLSCA(uri, caFile)
		}
	}
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(g.timeout)
	return mongo.Connect(ctx, opts)
}

// validate performs the lightweight round trip required before a client
// is handed out: server ping plus a no-op session.
func (g *Gateway) validate(ctx context.Context, client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*g.timeout)
	defer cancel()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return err
	}
	session, err := client.StartSession()
	if err != nil {
		return err
	}
	session.EndSession(ctx)
	return nil
}

// Database returns a handle on the named database.
func (g *Gateway) Database(ctx context.Context, name string) (*mongo.Database, error) {
	client, err := g.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Database(name), nil
}

// ProjectDatabase returns the database holding per-project collections.
// An empty name falls back to the environment-selected default.
func (g *Gateway) ProjectDatabase(ctx context.Context, name string) (*mongo.Database, error) {
	if name = strings.TrimSpace(name); name == "" {
		name = defaultProjectsDBName()
	}
	return g.Database(ctx, name)
}

// ProjectCollection returns the collection for one project.
func (g *Gateway) ProjectCollection(ctx context.Context, project string) (*mongo.Collection, error) {
	if project = strings.TrimSpace(project); project == "" {
		return nil, domain.Invalid("project", "must not be empty")
	}
	db, err := g.ProjectDatabase(ctx, "")
	if err != nil {
		return nil, err
	}
	return db.Collection(project), nil
}

// Close disconnects every cached client.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for uri, client := range g.clients {
		if err := client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.clients, uri)
	}
	return firstErr
}

func defaultProjectsDBName() string {
	if v := strings.TrimSpace(os.Getenv("STAGEPIPE_PROJECTS_DB_NAME")); v != "" {
		return v
	}
	return "stagepipe_projects"
}

func caBundlePath() string {
	return strings.TrimSpace(os.Getenv("STAGEPIPE_CA_BUNDLE"))
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	// 13 = Unauthorized, 18 = AuthenticationFailed.
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 13 || cmdErr.Code == 18
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication failed") || strings.Contains(msg, "unauthorized")
}

func redactedHost(uri string) string {
	parts, err := DecomposeURI(uri)
	if err != nil {
		return "invalid"
	}
	if parts.Port > 0 {
		return fmt.Sprintf("%s:%d", parts.Host, parts.Port)
	}
	return parts.Host
}
