// Command qc-infoservice collects the object announcements of every task and
// serves the latest object list per task over HTTP.
package main

import (
	"flag"
	"os"

	"github.com/ashita-ai/qcflow"
	"github.com/ashita-ai/qcflow/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	var addr string
	os.Exit(cli.Main(cli.Process{
		Name:           "qc-infoservice",
		Version:        version,
		ConfigOptional: true,
		Flags: func(fs *flag.FlagSet) {
			fs.StringVar(&addr, "addr", "", "listen address (default QC_INFO_ADDR)")
		},
		Options: func(cli.Flags) ([]qcflow.Option, error) {
			return []qcflow.Option{qcflow.WithInfoService(addr)}, nil
		},
	}, os.Args[1:], os.Stderr))
}
