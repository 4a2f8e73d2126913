package cli

import (
	"fmt"
	"runtime"

	"github.com/stagepipe/stagepipe/internal/versionutil"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Printf("stagepipe %s %s/%s\n", versionutil.EnsureVPrefix(Version), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Print(`stagepipe - workstation pipeline tray service

Usage:
  stagepipe [tray] [flags]     run the tray service (default command)
  stagepipe event [flags]      queue one event for target workstations
  stagepipe db dump [flags]    dump a collection to a JSON file
  stagepipe db restore [flags] restore a collection from a JSON file
  stagepipe version            print the version
  stagepipe help               print this help

Run "stagepipe tray -h" or "stagepipe db dump -h" for command flags.
`)
}
