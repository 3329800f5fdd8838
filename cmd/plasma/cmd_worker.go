package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/config"
	"github.com/vinayprograms/plasma/credentials"
	"github.com/vinayprograms/plasma/llm"
	"github.com/vinayprograms/plasma/ratelimit"
	"github.com/vinayprograms/plasma/registry"
	"github.com/vinayprograms/plasma/shutdown"
	"github.com/vinayprograms/plasma/tasks"
	"github.com/vinayprograms/plasma/worker"
)

type workerOptions struct {
	agent    string
	provider string
	model    string
	offline  bool
	claim    bool
}

// newWorkerCmd creates the "plasma worker" subcommand.
func newWorkerCmd(opts *globalOptions) *cobra.Command {
	var wo workerOptions

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one agent worker",
		Long:  "Consumes plasma_tasks:<agent>, asks the agent's model for each prompt\nand publishes the answer to plasma_results. Sends a heartbeat every tick.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if wo.agent == "" {
				return fmt.Errorf("--agent is required")
			}
			p, err := openProcess(cmd.Context(), opts, "worker")
			if err != nil {
				return err
			}

			agent := p.cfg.Agent(wo.agent)
			if wo.provider != "" {
				agent.Provider = wo.provider
			}
			if wo.model != "" {
				agent.Model = wo.model
			}

			maxTokens := maxTokensFor(p.cfg, agent)
			offline := p.cfg.Worker.Offline || wo.offline
			complete, err := completionFor(wo.agent, agent, maxTokens, offline)
			if err != nil {
				p.close()
				return err
			}
			if agent.RatePerMinute > 0 && !offline {
				limiter, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
					Bus:    p.bus,
					Source: wo.agent,
					Logger: p.logger,
				})
				if err != nil {
					p.close()
					return err
				}
				limiter.SetCapacity(agent.Provider, agent.RatePerMinute, time.Minute)
				p.coord.RegisterWithPhase("ratelimit", shutdown.Closer(limiter), shutdown.PhaseJournal)
				complete = llm.WithRateLimit(complete, limiter, agent.Provider)
			}

			reg, err := registry.NewStoreRegistry(p.store, registry.StoreConfig{})
			if err != nil {
				p.close()
				return err
			}

			var ledger worker.TaskLedger
			if p.cfg.Worker.Claim || wo.claim {
				mgr := tasks.NewManager(p.store)
				p.coord.RegisterWithPhase("tasks", shutdown.Closer(mgr), shutdown.PhaseJournal)
				ledger = mgr
			}

			w, err := worker.New(worker.Config{
				Bus:          p.bus,
				Agent:        wo.agent,
				Complete:     complete,
				PollInterval: p.cfg.Worker.PollInterval.Duration,
				MaxTokens:    maxTokens,
				QueueGroup:   p.cfg.Worker.QueueGroup,
				Registry:     reg,
				Provider:     agent.Provider,
				Model:        agent.Model,
				Journal:      p.journal,
				Ledger:       ledger,
				Logger:       p.logger,
			})
			if err != nil {
				p.close()
				return err
			}
			return p.runLoop("worker", w.Run)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&wo.agent, "agent", "", "agent name (required)")
	flags.StringVar(&wo.provider, "provider", "", "override the agent's provider (openai, xai, anthropic, google)")
	flags.StringVar(&wo.model, "model", "", "override the agent's model")
	flags.BoolVar(&wo.offline, "offline", false, "echo prompts instead of calling a model")
	flags.BoolVar(&wo.claim, "claim", false, "claim each task in the state store so one worker of the agent answers it")
	return cmd
}

// maxTokensFor prefers the agent's own limit over the worker default.
func maxTokensFor(cfg *config.Config, agent config.AgentConfig) int {
	if agent.MaxTokens > 0 {
		return agent.MaxTokens
	}
	return cfg.Worker.MaxTokens
}

// completionFor builds the completion function for one agent. maxTokens is
// the resolved per-answer limit, the agent's own or the worker default.
func completionFor(name string, agent config.AgentConfig, maxTokens int, offline bool) (llm.CompletionFunc, error) {
	if offline {
		return llm.Offline(name), nil
	}

	creds, _, err := credentials.Load()
	if err != nil {
		return nil, err
	}
	key := creds.GetAPIKey(agent.Provider)
	if key == "" {
		return nil, fmt.Errorf("agent %s: no API key for provider %s (set %s or use --offline)",
			name, agent.Provider, credentials.EnvVar(agent.Provider))
	}

	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:  agent.Provider,
		Model:     agent.Model,
		APIKey:    key,
		MaxTokens: maxTokens,
		BaseURL:   agent.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}
	return llm.WithPreamble(llm.FromProvider(provider), agent.Preamble), nil
}
