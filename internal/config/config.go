package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stagepipe/stagepipe/internal/netutil"
)

// TrayConfig carries everything the tray host needs to bring up the web
// service, the dispatch worker, and the store connections.
type TrayConfig struct {
	DBURI          string
	DBTimeout      time.Duration
	ProjectsDBName string
	RegistryPath   string

	Host           string
	PortRangeStart int
	PortRangeEnd   int
	ExcludedPorts  []int

	PollInterval    time.Duration
	DispatchTimeout time.Duration

	StaticDir     string
	ThumbnailRoot string

	LogLevel  string
	LogFormat string
	PprofAddr string
}

const defaultDBTimeout = 1000 * time.Millisecond
const defaultProjectsDBName = "stagepipe_projects"
const defaultTrayHost = "127.0.0.1"
const defaultPortRangeStart = 8079
const defaultPortRangeEnd = 65535
const defaultPollInterval = 120 * time.Second
const defaultDispatchTimeout = 30 * time.Second

func ParseTrayFlags(args []string) (TrayConfig, error) {
	cfg := TrayConfig{
		DBURI:           envOrDefault("STAGEPIPE_DB_URI", ""),
		DBTimeout:       time.Duration(envIntOrDefault("STAGEPIPE_DB_TIMEOUT", int(defaultDBTimeout/time.Millisecond))) * time.Millisecond,
		ProjectsDBName:  envOrDefault("STAGEPIPE_PROJECTS_DB_NAME", defaultProjectsDBName),
		RegistryPath:    envOrDefault("STAGEPIPE_REGISTRY_PATH", defaultRegistryPath()),
		Host:            envOrDefault("STAGEPIPE_WEBSERVER_HOST", defaultTrayHost),
		PortRangeStart:  defaultPortRangeStart,
		PortRangeEnd:    defaultPortRangeEnd,
		PollInterval:    defaultPollInterval,
		DispatchTimeout: defaultDispatchTimeout,
		StaticDir:       envOrDefault("STAGEPIPE_STATIC_DIR", ""),
		ThumbnailRoot:   envOrDefault("STAGEPIPE_THUMBNAIL_ROOT", ""),
		LogLevel:        envOrDefault("STAGEPIPE_LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("STAGEPIPE_LOG_FORMAT", "text"),
		PprofAddr:       envOrDefault("STAGEPIPE_PPROF_ADDR", ""),
	}

	var excluded string
	var pollSeconds int

	fs := flag.NewFlagSet("tray", flag.ContinueOnError)
	fs.StringVar(&cfg.DBURI, "db-uri", cfg.DBURI, "Document database connection URI")
	fs.StringVar(&cfg.ProjectsDBName, "projects-db", cfg.ProjectsDBName, "Projects database name")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Per-user registry database path")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Web service bind host")
	fs.IntVar(&cfg.PortRangeStart, "port-range-start", cfg.PortRangeStart, "First candidate TCP port")
	fs.IntVar(&cfg.PortRangeEnd, "port-range-end", cfg.PortRangeEnd, "Last candidate TCP port")
	fs.StringVar(&excluded, "excluded-ports", "", "Comma-separated ports skipped during the scan")
	fs.IntVar(&pollSeconds, "poll-interval", int(cfg.PollInterval/time.Second), "Event poll interval in seconds")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "Directory with tray static resources")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Optional pprof listen address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.DBURI = strings.TrimSpace(cfg.DBURI)
	if cfg.DBURI == "" {
		return cfg, errors.New("missing --db-uri or STAGEPIPE_DB_URI")
	}
	if cfg.DBTimeout <= 0 {
		return cfg, errors.New("db timeout must be > 0")
	}
	if pollSeconds > 0 {
		cfg.PollInterval = time.Duration(pollSeconds) * time.Second
	}
	if cfg.PollInterval <= 0 {
		return cfg, errors.New("poll interval must be > 0")
	}
	if cfg.PortRangeStart < 1 || cfg.PortRangeStart > 65535 {
		return cfg, errors.New("port range start must be between 1 and 65535")
	}
	if cfg.PortRangeEnd < cfg.PortRangeStart || cfg.PortRangeEnd > 65535 {
		return cfg, errors.New("port range end must be within range start and 65535")
	}
	if cfg.Host = netutil.NormalizeHost(cfg.Host); cfg.Host == "" {
		cfg.Host = defaultTrayHost
	}

	ports, err := parsePortList(excluded)
	if err != nil {
		return cfg, err
	}
	cfg.ExcludedPorts = ports

	return cfg, nil
}

func parsePortList(csv string) ([]int, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 65535 {
			return nil, errors.New("excluded ports must be integers between 1 and 65535")
		}
		out = append(out, n)
	}
	return out, nil
}

func defaultRegistryPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "./stagepipe-registry.db"
	}
	return filepath.Join(base, "stagepipe", "registry.db")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
