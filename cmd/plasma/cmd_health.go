package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/heartbeat"
	"github.com/vinayprograms/plasma/state"
)

// newHealthCmd creates the "plasma health" subcommand.
func newHealthCmd(opts *globalOptions) *cobra.Command {
	var listen time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the bus and the router heartbeat",
		Long:  "Connects to the bus, reads the router's broker_heartbeat key and, with --listen,\ncollects agent heartbeats for a while. Exits non-zero when the router is silent.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProcess(cmd.Context(), opts, "health")
			if err != nil {
				return err
			}
			defer p.close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bus:    %s OK\n", p.cfg.Bus.Backend)

			var m *heartbeat.Monitor
			if listen > 0 {
				m, err = heartbeat.NewMonitor(heartbeat.MonitorConfig{
					Bus:            p.bus,
					StaleAfter:     p.cfg.Monitor.StaleAfter.Duration,
					ReportInterval: -1,
					Logger:         p.logger,
				})
				if err != nil {
					return err
				}
				if err := m.Start(p.ctx); err != nil {
					return err
				}
				defer m.Stop()

				select {
				case <-time.After(listen):
				case <-p.ctx.Done():
				}
			}

			healthy, line := brokerHealth(p.store, time.Now(), p.cfg.Monitor.StaleAfter.Duration)
			fmt.Fprintf(out, "router: %s\n", line)

			if m != nil {
				fmt.Fprintln(out)
				if err := printStatus(out, m.Agents(time.Now())); err != nil {
					return err
				}
			}

			if !healthy {
				return fmt.Errorf("router is not healthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&listen, "listen", 0, "also collect agent heartbeats for this long")
	return cmd
}

// brokerHealth reads the router heartbeat key.
func brokerHealth(store state.StateStore, now time.Time, staleAfter time.Duration) (bool, string) {
	last, err := state.GetTime(store, state.KeyBrokerHeartbeat)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return false, "NO HEARTBEAT"
	case err != nil:
		return false, fmt.Sprintf("ERROR %v", err)
	}

	age := now.Sub(last)
	if age > staleAfter {
		return false, fmt.Sprintf("%s (last heartbeat %s ago)", heartbeat.StateStale, age.Round(time.Second))
	}
	return true, fmt.Sprintf("ALIVE (last heartbeat %s)", last.Format(time.RFC3339))
}
