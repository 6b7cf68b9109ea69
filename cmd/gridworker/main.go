package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
)

var configPath string

func main() {
	if err := run(); err != nil {
		logs.Errorf("gridworker: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gridworker",
		Short: "Grid worker host: runs assigned requests as worker processes",
		Long: `gridworker receives requests assigned to this host through the shared store,
admits them against a concurrency budget, runs one worker process per request
and publishes statuses and an availability heartbeat back to the store.

Examples:
  gridworker serve --config gridworker.yaml
  gridworker submit --host node-1 --requester alice
  gridworker cancel 8d0a3d43-6f4e-4d7a-9f57-0e6b3c1f9a10 --reason "superseded"
  gridworker status`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newCancelCmd(),
		newStatusCmd(),
		newResponsesCmd(),
	)
	return root
}
