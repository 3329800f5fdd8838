package main

import (
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	backend    string
}

// newRootCmd creates the root plasma command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "plasma",
		Short:         "Task dispatch over a broadcast bus",
		Long:          "plasma routes prompts from clients to named LLM agents over a pub/sub bus\nand correlates their answers back by task id.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.backend, "bus", "", "bus backend (redis, nats, memory)")

	cmd.AddCommand(
		newRouterCmd(opts),
		newWorkerCmd(opts),
		newMonitorCmd(opts),
		newSubmitCmd(opts),
		newPipelineCmd(opts),
		newHealthCmd(opts),
		newHeartbeatCmd(opts),
		newJournalCmd(opts),
		newTasksCmd(opts),
	)

	return cmd
}
