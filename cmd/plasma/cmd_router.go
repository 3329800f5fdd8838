package main

import (
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/registry"
	"github.com/vinayprograms/plasma/router"
	"github.com/vinayprograms/plasma/shutdown"
)

// newRouterCmd creates the "plasma router" subcommand.
func newRouterCmd(opts *globalOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Forward inbox tasks to agent topics",
		Long:  "Reads plasma_inbox and republishes every valid task to plasma_tasks:<target>.\nInvalid messages are logged and dropped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProcess(cmd.Context(), opts, "router")
			if err != nil {
				return err
			}

			cfg := router.Config{
				Bus:               p.bus,
				Store:             p.store,
				StrictRouting:     p.cfg.Router.StrictRouting || strict,
				HeartbeatInterval: p.cfg.Router.HeartbeatInterval.Duration,
				Journal:           p.journal,
				Logger:            p.logger,
			}
			if cfg.StrictRouting {
				reg, err := knownAgents(p)
				if err != nil {
					p.close()
					return err
				}
				cfg.Registry = reg
			}

			r, err := router.New(cfg)
			if err != nil {
				p.close()
				return err
			}
			return p.runLoop("router", r.Run)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "answer tasks for unknown agents with an error result")
	return cmd
}

// knownAgents returns the shared registry seeded with the configured
// agents. Workers add themselves when they start; heartbeats keep dynamic
// entries fresh.
func knownAgents(p *process) (registry.Registry, error) {
	reg, err := registry.NewStoreRegistry(p.store, registry.StoreConfig{
		TTL: p.cfg.Monitor.StaleAfter.Duration,
	})
	if err != nil {
		return nil, err
	}

	names := p.cfg.AgentNames()
	sort.Strings(names)
	for _, name := range names {
		a := p.cfg.Agent(name)
		if err := reg.Register(registry.AgentInfo{
			Name:     name,
			Provider: a.Provider,
			Model:    a.Model,
			Static:   true,
			LastSeen: time.Now(),
		}); err != nil {
			return nil, err
		}
	}
	p.coord.RegisterWithPhase("registry", shutdown.Closer(reg), shutdown.PhaseJournal)
	return reg, nil
}
