package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/heartbeat"
)

// newHeartbeatCmd creates the "plasma heartbeat" subcommand.
func newHeartbeatCmd(opts *globalOptions) *cobra.Command {
	var (
		agent    string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "heartbeat --agent NAME",
		Short: "Emit heartbeats on behalf of an agent",
		Long:  "Publishes {agent, status: alive, timestamp} to plasma_heartbeats on a fixed interval.\nUseful for components that cannot send their own.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				return fmt.Errorf("--agent is required")
			}
			p, err := openProcess(cmd.Context(), opts, "heartbeat")
			if err != nil {
				return err
			}

			s, err := heartbeat.NewSender(heartbeat.SenderConfig{
				Bus:      p.bus,
				Agent:    agent,
				Interval: interval,
				Logger:   p.logger,
			})
			if err != nil {
				p.close()
				return err
			}
			p.logger.Info("sending heartbeats", map[string]interface{}{
				"agent":    agent,
				"interval": interval,
			})

			return p.runLoop("heartbeat", func(ctx context.Context) error {
				if err := s.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return s.Stop()
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&agent, "agent", "", "agent name to announce (required)")
	flags.DurationVar(&interval, "interval", 10*time.Second, "time between heartbeats")
	return cmd
}
