package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stagepipe/stagepipe/internal/log"
	"github.com/stagepipe/stagepipe/internal/store/docdb"
)

func runDB(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: stagepipe db <dump|restore> [flags]")
		return 2
	}

	var (
		uri     string
		dbName  string
		coll    string
		file    string
		timeout time.Duration
		level   string
	)
	fs := flag.NewFlagSet("db "+args[0], flag.ContinueOnError)
	fs.StringVar(&uri, "uri", os.Getenv("STAGEPIPE_DB_URI"), "document store connection URI")
	fs.StringVar(&dbName, "db", docdb.DefaultDBName, "database name")
	fs.StringVar(&coll, "collection", "", "collection name")
	fs.StringVar(&file, "file", "", "JSON dump file path")
	fs.DurationVar(&timeout, "timeout", time.Second, "server selection timeout")
	fs.StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if uri == "" || coll == "" || file == "" {
		fmt.Fprintln(os.Stderr, "error: -uri, -collection and -file are required")
		return 2
	}

	logger := log.New(level, "text")
	gw := docdb.NewGateway(uri, timeout, logger)
	defer gw.Close(context.Background())

	var err error
	switch args[0] {
	case "dump":
		err = gw.StoreCollection(ctx, file, dbName, coll)
	case "restore":
		err = gw.RestoreCollection(ctx, file, dbName, coll)
	default:
		fmt.Fprintln(os.Stderr, "unknown db command:", args[0])
		return 2
	}
	if err != nil {
		logger.Error("db "+args[0]+" failed", "error", err)
		return 1
	}
	logger.Info("db "+args[0]+" done", "db", dbName, "collection", coll, "file", file)
	return 0
}
