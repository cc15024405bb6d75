// Package handlers implements the newswire CLI. Each subcommand runs one
// pipeline stage (or all of them) until interrupted.
//
// Exit codes: 0 on success or clean shutdown, 1 on configuration or usage
// errors, 2 on runtime failure.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"newswire/internal/config"
	"newswire/internal/logger"

	"github.com/spf13/cobra"
)

var cfgFile string

// runtimeError marks failures that happen after configuration was
// accepted, so Execute can tell exit code 2 from exit code 1.
type runtimeError struct {
	err error
}

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "newswire",
		Short: "newswire aggregates RSS feeds into clustered, summarized stories",
		Long: `newswire is a news aggregation pipeline: it polls RSS feeds,
normalizes and deduplicates articles, clusters them into multi-source
stories, keeps summaries and headlines current with an LLM, and promotes
fast-moving stories to breaking news.

Each subcommand runs one stage against the shared document store, so the
stages can be scaled and restarted independently. Use "all" to run the
whole pipeline in one process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .newswire.yaml)")

	root.AddCommand(newPollCommand())
	root.AddCommand(newClusterCommand())
	root.AddCommand(newSummarizeCommand())
	root.AddCommand(newMonitorCommand())
	root.AddCommand(newAllCommand())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := newRootCommand().Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var rt *runtimeError
	if errors.As(err, &rt) {
		return 2
	}
	// Anything failing before the pipeline started (flag parsing,
	// unknown commands, config loading) is an invocation problem.
	return 1
}

// loadConfig loads and validates configuration, initializing logging.
// Errors here surface as exit code 1.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.App.LogLevel)
	return cfg, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
