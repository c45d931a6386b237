// Command entityctl runs and inspects event-sourced entities against a
// configurable journal/snapshot backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "entityctl",
		Short: "Run and inspect event-sourced entities",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.AddCommand(newRunCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
