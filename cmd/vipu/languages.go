package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vipu/internal/runner"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List supported languages and their toolchains",
	RunE:  runLanguages,
}

func runLanguages(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := runner.NewRegistry(cfg.RunnerOverrides())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LANGUAGE\tFILE\tCOMPILED\tTOOLCHAIN")
	for _, r := range reg.Runners() {
		name := string(r.Language)
		if r.Language == runner.Default {
			name += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", name, r.SourceFile(), r.NeedsCompile, strings.Join(r.Toolchain(), " "))
	}
	return tw.Flush()
}
