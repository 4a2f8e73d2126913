package main

import (
	"os"

	"github.com/stagepipe/stagepipe/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
