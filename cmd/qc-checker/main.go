// Command qc-checker runs the configured checks and aggregators on the
// objects published by task processes and stores the results.
package main

import (
	"os"

	"github.com/ashita-ai/qcflow"
	"github.com/ashita-ai/qcflow/internal/cli"

	_ "github.com/ashita-ai/qcflow/internal/modules/skeleton"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(cli.Main(cli.Process{
		Name:    "qc-checker",
		Version: version,
		Options: func(cli.Flags) ([]qcflow.Option, error) {
			return []qcflow.Option{qcflow.WithChecker()}, nil
		},
	}, os.Args[1:], os.Stderr))
}
