// mirra is the channel session relay daemon: it bridges chat channels to a
// text-generation backend, simulating presence for personas without one.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mirra/internal/channels/wsgateway"
	"mirra/internal/config"
	"mirra/internal/console"
	"mirra/internal/llm"
	"mirra/internal/logging"
	"mirra/internal/observability"
	"mirra/internal/orchestrator"
	"mirra/internal/policy"
	"mirra/internal/presence"
	"mirra/internal/prompt"
	"mirra/internal/settings"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "mirra",
		Short:   "Multi-channel conversational relay",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./mirra.yaml)")
	cmd.SilenceUsage = true
	return cmd
}

func logLevel(name string) logging.Level {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logging.SetLevel(logLevel(cfg.LogLevel))
	log := logging.NewComponentLogger("Main")
	log.Info("Starting mirra %s", version)

	store := settings.NewStore(cfg.SettingsPath, logging.NewComponentLogger("Settings"))
	snap, err := store.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	ctrl := policy.NewController(snap.Global, logging.NewComponentLogger("Policy"))
	client := llm.NewHTTPClient(llm.Config{
		BaseURL:     cfg.Backend.BaseURL,
		APIKey:      cfg.Backend.APIKey,
		Model:       cfg.Backend.Model,
		Temperature: cfg.Backend.Temperature,
		Timeout:     cfg.Backend.Timeout,
	}, logging.NewComponentLogger("LLM"))
	assembler := prompt.NewAssembler(cfg.ExemplarPath, logging.NewComponentLogger("Prompt"))

	metrics, err := observability.NewMetrics(observability.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
	}, logging.NewComponentLogger("Metrics"))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	gateway := wsgateway.NewGateway(wsgateway.Config{
		URL:   cfg.Gateway.URL,
		Token: cfg.Gateway.Token,
	}, logging.NewComponentLogger("Gateway"))
	simulator := presence.NewSimulator(gateway, logging.NewComponentLogger("Presence"))

	orch, err := orchestrator.New(
		orchestrator.Config{SelfID: cfg.SelfID},
		snap,
		gateway,
		client,
		assembler,
		ctrl,
		simulator,
		store,
		metrics,
		logging.NewComponentLogger("Orchestrator"),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	gateway.Bind(orch)

	operatorConsole := console.New(ctrl, orch, cfg.HistoryFile, logging.NewComponentLogger("Console"))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error { return gateway.Run(groupCtx) })
	group.Go(func() error { return metrics.Serve(groupCtx) })
	group.Go(func() error { return operatorConsole.Run(groupCtx) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}
