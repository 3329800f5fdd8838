package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/heartbeat"
)

// newMonitorCmd creates the "plasma monitor" subcommand.
func newMonitorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Report agent liveness from heartbeats",
		Long:  "Listens on plasma_heartbeats and periodically logs every agent as ONLINE or STALE.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProcess(cmd.Context(), opts, "monitor")
			if err != nil {
				return err
			}

			m, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
				Bus:            p.bus,
				StaleAfter:     p.cfg.Monitor.StaleAfter.Duration,
				ReportInterval: p.cfg.Monitor.ReportInterval.Duration,
				Logger:         p.logger,
			})
			if err != nil {
				p.close()
				return err
			}
			m.OnStale(func(agent string, age time.Duration) {
				p.logger.Warn("agent went stale", map[string]interface{}{
					"agent": agent,
					"age":   age.Round(time.Second),
				})
			})

			return p.runLoop("monitor", func(ctx context.Context) error {
				if err := m.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return m.Stop()
			})
		},
	}
}

// printStatus writes one row per agent.
func printStatus(w io.Writer, statuses []heartbeat.AgentStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATE\tAGE\tLAST SEEN")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Agent, s.State, s.Age.Round(time.Second), s.LastSeen.Format(time.RFC3339))
	}
	return tw.Flush()
}
