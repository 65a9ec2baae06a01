// Command qc-task runs one task engine: it feeds sampled data to the module
// named by --name and publishes its objects every cycle. With --local-checks
// the configured checks grade the objects before they are published.
package main

import (
	"flag"
	"os"

	"github.com/ashita-ai/qcflow"
	"github.com/ashita-ai/qcflow/internal/cli"

	// User modules register themselves at init.
	_ "github.com/ashita-ai/qcflow/internal/modules/skeleton"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	var localChecks bool
	os.Exit(cli.Main(cli.Process{
		Name:         "qc-task",
		Version:      version,
		NameRequired: true,
		Flags: func(fs *flag.FlagSet) {
			fs.BoolVar(&localChecks, "local-checks", false, "run the configured checks in process before publication")
		},
		Options: func(f cli.Flags) ([]qcflow.Option, error) {
			opts := []qcflow.Option{qcflow.WithTask(f.Name)}
			if localChecks {
				opts = append(opts, qcflow.WithLocalChecks())
			}
			return opts, nil
		},
	}, os.Args[1:], os.Stderr))
}
