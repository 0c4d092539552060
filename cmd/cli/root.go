package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"runcoordinator/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "rcctl",
	Short: "Run Execution Coordinator control CLI",
	Long: `rcctl drives the run execution coordinator: the server-side control
loop that advances job runs forward by repeatedly calling a user endpoint,
interpreting its response, persisting progress and re-enqueueing.

At a minimum, you need to start the worker and, if dependency waits are in
use, the dependency-resume sweep.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
