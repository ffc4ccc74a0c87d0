package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vigil/internal/logging"
	"vigil/internal/monitor"
	"vigil/internal/renderer"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the renderer event stream and assess artifacts as they land",
	Long: `Connects to the renderer's websocket event stream. Every completed
artifact is scored; passing artifacts are archived, failing ones are
corrected and resubmitted until the per-artifact attempt budget runs out.`,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := renderer.New(cfg.Renderer.BaseURL, renderer.WithTimeout(cfg.RendererTimeout()))
	if err != nil {
		return err
	}
	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	engine := buildEngine(cfg, st)

	var opts []monitor.Option
	if oc := buildOracle(cfg); oc != nil {
		opts = append(opts, monitor.WithNotifier(oc))
	}
	m, err := monitor.New(analyzer, engine, st, client, cfg.Monitor.OutputDirs, cfg.Monitor.ArchiveDir, opts...)
	if err != nil {
		return err
	}

	events, err := client.Events(ctx)
	if err != nil {
		return err
	}
	logging.New("monitor").Info("watching renderer stream",
		"renderer", cfg.Renderer.BaseURL,
		"output_dirs", cfg.Monitor.OutputDirs)

	if err := m.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
