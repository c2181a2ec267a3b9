package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/eventflow/eventflow/pkg/registry"
	"github.com/eventflow/eventflow/pkg/tui"
)

var processorsCmd = &cobra.Command{
	Use:   "processors [class]",
	Short: "List the processor classes usable in a sequence",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		class := ""
		if len(args) == 1 {
			class = args[0]
		}
		return printProcessors(os.Stdout, registry.Default(), class)
	},
}

// printProcessors lists every class, or describes one.
func printProcessors(w io.Writer, reg *registry.Registry, class string) error {
	if class != "" {
		if !reg.Has(class) {
			return fmt.Errorf("unknown processor class %q, see 'eventflow processors'", class)
		}
		fmt.Fprintf(w, "%s: %s\n", class, reg.Description(class))
		return nil
	}
	tui.PrintHeader(w, version)
	for _, c := range reg.List() {
		fmt.Fprintf(w, "  %-18s %s\n", c, reg.Description(c))
	}
	return nil
}
