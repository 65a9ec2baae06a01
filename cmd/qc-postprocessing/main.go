// Command qc-postprocessing runs post-processing tasks such as trending. By
// default every configured task runs; --name selects a comma-separated
// subset. --timestamps replays stored data instead of waiting for triggers.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ashita-ai/qcflow"
	"github.com/ashita-ai/qcflow/internal/cli"
	"github.com/ashita-ai/qcflow/internal/config"

	_ "github.com/ashita-ai/qcflow/internal/modules/skeleton"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	var timestamps string
	os.Exit(cli.Main(cli.Process{
		Name:    "qc-postprocessing",
		Version: version,
		Flags: func(fs *flag.FlagSet) {
			fs.StringVar(&timestamps, "timestamps", "", "comma-separated timestamps (ms) to replay, at least 2")
		},
		Options: func(f cli.Flags) ([]qcflow.Option, error) {
			var names []string
			if f.Name != "" {
				names = strings.Split(f.Name, ",")
			}
			opts := []qcflow.Option{qcflow.WithPostProcessing(names...)}
			if timestamps != "" {
				ts, err := parseTimestamps(timestamps)
				if err != nil {
					return nil, err
				}
				opts = append(opts, qcflow.WithReplay(ts...))
			}
			return opts, nil
		},
	}, os.Args[1:], os.Stderr))
}

func parseTimestamps(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: --timestamps: %q is not an integer", config.ErrFatalConfiguration, p)
		}
		out = append(out, v)
	}
	return out, nil
}
