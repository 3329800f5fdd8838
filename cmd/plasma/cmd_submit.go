package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/correlator"
	"github.com/vinayprograms/plasma/envelope"
)

type submitOptions struct {
	target    string
	taskID    string
	maxTokens int
	timeout   time.Duration
}

// newSubmitCmd creates the "plasma submit" subcommand.
func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var so submitOptions

	cmd := &cobra.Command{
		Use:   "submit --target AGENT PROMPT...",
		Short: "Send one prompt to an agent and wait for its answer",
		Long:  "Publishes a task to plasma_inbox and prints the matching result from plasma_results.\nExits non-zero on timeout or when the agent reports an error.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if so.target == "" {
				return fmt.Errorf("--target is required")
			}
			p, err := openProcess(cmd.Context(), opts, "client")
			if err != nil {
				return err
			}
			defer p.close()

			client, err := correlator.NewClient(correlator.Config{
				Bus:     p.bus,
				Timeout: p.cfg.Client.Timeout.Duration,
				Journal: p.journal,
				Logger:  p.logger,
			})
			if err != nil {
				return err
			}

			var params *envelope.Params
			if so.maxTokens > 0 {
				params = &envelope.Params{MaxTokens: so.maxTokens}
			}
			taskID := so.taskID
			if taskID == "" {
				taskID = correlator.NewTaskID()
			}
			task := envelope.NewTask(taskID, so.target, strings.Join(args, " "), params)

			res, err := client.SubmitTask(p.ctx, task, so.timeout)
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Result)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&so.target, "target", "", "agent to send the prompt to (required)")
	flags.StringVar(&so.taskID, "task-id", "", "task id to use instead of a fresh one")
	flags.IntVar(&so.maxTokens, "max-tokens", 0, "token budget for this task")
	flags.DurationVar(&so.timeout, "timeout", 0, "how long to wait for the result (default from config)")
	return cmd
}

// newPipelineCmd creates the "plasma pipeline" subcommand.
func newPipelineCmd(opts *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "pipeline PROMPT...",
		Short: "Run a multi-agent pipeline",
		Long:  "Runs each pipeline step in turn, feeding every agent the previous answer.\nThe default pipeline is chatgpt, grok, then judge over both answers.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProcess(cmd.Context(), opts, "pipeline")
			if err != nil {
				return err
			}
			defer p.close()

			pipeline := correlator.DefaultPipeline()
			if file == "" {
				file = p.cfg.Client.PipelineFile
			}
			if file != "" {
				if pipeline, err = correlator.LoadPipeline(file); err != nil {
					return err
				}
			}

			client, err := correlator.NewClient(correlator.Config{
				Bus:     p.bus,
				Timeout: p.cfg.Client.Timeout.Duration,
				Journal: p.journal,
				Logger:  p.logger,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			result, err := client.RunPipeline(p.ctx, pipeline, strings.Join(args, " "), func(sr correlator.StepResult) {
				fmt.Fprintf(out, "[step %d] %s (%s)\n", sr.Step, sr.Agent, sr.Duration.Round(time.Millisecond))
			})
			if err != nil {
				return fmt.Errorf("pipeline %s: %w", pipeline.Name, err)
			}
			fmt.Fprintf(out, "\n%s\n", result.Final())
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML pipeline definition (default: chatgpt, grok, judge)")
	return cmd
}
