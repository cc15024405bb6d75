package handlers

import (
	"context"
	"errors"
	"fmt"

	"newswire/internal/cluster"
	"newswire/internal/config"
	"newswire/internal/llm"
	"newswire/internal/logger"
	"newswire/internal/monitor"
	"newswire/internal/poller"
	"newswire/internal/server"
	"newswire/internal/store"
	"newswire/internal/summarize"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Poll the configured feeds and store normalized articles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Feeds) == 0 {
				return fmt.Errorf("no feeds configured")
			}
			return runStage(cfg, func(st store.Store) (server.Components, []runner, error) {
				p, err := poller.New(st, cfg.Poller, cfg.Feeds)
				if err != nil {
					return server.Components{}, nil, err
				}
				return server.Components{Poller: p}, []runner{p.Run}, nil
			})
		},
	}
}

func newClusterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Cluster stored articles into stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runStage(cfg, func(st store.Store) (server.Components, []runner, error) {
				e := cluster.New(st, cfg.Cluster)
				return server.Components{Cluster: e}, []runner{e.Run}, nil
			})
		},
	}
}

func newSummarizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize",
		Short: "Keep story summaries and headlines current",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Summarize.Enabled {
				return fmt.Errorf("summarization is disabled (set SUMMARIZATION_ENABLED=true)")
			}
			return runStage(cfg, func(st store.Store) (server.Components, []runner, error) {
				o, err := newOrchestrator(cfg, st)
				if err != nil {
					return server.Components{}, nil, err
				}
				return server.Components{Summarize: o}, []runner{o.Run}, nil
			})
		},
	}
}

func newMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the breaking-news lifecycle monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runStage(cfg, func(st store.Store) (server.Components, []runner, error) {
				m := monitor.New(st, cfg.Breaking)
				return server.Components{Monitor: m}, []runner{m.Run}, nil
			})
		},
	}
}

func newAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the entire pipeline in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Feeds) == 0 {
				return fmt.Errorf("no feeds configured")
			}
			return runStage(cfg, func(st store.Store) (server.Components, []runner, error) {
				p, err := poller.New(st, cfg.Poller, cfg.Feeds)
				if err != nil {
					return server.Components{}, nil, err
				}
				e := cluster.New(st, cfg.Cluster)
				m := monitor.New(st, cfg.Breaking)

				comps := server.Components{Poller: p, Cluster: e, Monitor: m}
				runners := []runner{p.Run, e.Run, m.Run}

				if cfg.Summarize.Enabled {
					o, err := newOrchestrator(cfg, st)
					if err != nil {
						return server.Components{}, nil, err
					}
					comps.Summarize = o
					runners = append(runners, o.Run)
				} else {
					logger.Get().Warn("summarization is disabled, stories will have no summaries")
				}

				sweeper := store.NewSweeper(st, cfg.Store.ArticleTTL(), cfg.Store.StoryRetention(), cfg.Store.SweepInterval())
				runners = append(runners, sweeper.Run)
				return comps, runners, nil
			})
		},
	}
}

type runner func(context.Context) error

// runStage opens the store, builds one stage's components and runs them
// with the ops server until a signal arrives. Failures after this point
// are runtime errors (exit code 2).
func runStage(cfg *config.Config, build func(store.Store) (server.Components, []runner, error)) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := store.NewSQLite(cfg.Store.Connection)
	if err != nil {
		return &runtimeError{err: err}
	}
	defer st.Close()

	comps, runners, err := build(st)
	if err != nil {
		return &runtimeError{err: err}
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := server.New(st, cfg.Server, comps)
	g.Go(func() error { return srv.Run(gctx) })
	for _, run := range runners {
		run := run
		g.Go(func() error { return run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return &runtimeError{err: err}
	}
	logger.Get().Info("shutdown complete")
	return nil
}

func newOrchestrator(cfg *config.Config, st store.Store) (*summarize.Orchestrator, error) {
	provider, err := llm.NewGemini(context.Background(), cfg.Summarize.APIKey, cfg.Summarize.ModelID)
	if err != nil {
		return nil, err
	}
	return summarize.New(st, provider, cfg.Summarize), nil
}
