// Package liquidatord wires the liquidation agent's components together
// and runs them until shutdown, following the teacher's cmd/X (thin) +
// services/X (fat, exported Main()) entrypoint convention.
package liquidatord

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"liquidator/internal/config"
	"liquidator/internal/observability/logging"
	"liquidator/internal/observability/otelinit"
)

// Main runs the liquidation agent using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to liquidatord config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LIQUIDATOR_ENV"))

	initial, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("liquidatord", env, initial.LogLevel)

	watcher, err := config.NewWatcher(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := watcher.Current()

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := otelinit.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := otelinit.Init(context.Background(), otelinit.Config{
		ServiceName: "liquidatord",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := build(stopCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}
	defer agent.Close()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(stopCtx)
		}()
	}

	run(func(ctx context.Context) { _ = watcher.Run(ctx) })
	run(agent.runBandsSync(watcher))
	run(agent.runEventRouter)
	run(agent.FanOut.Run)
	run(agent.BlockLoop.Run)
	run(func(ctx context.Context) { agent.AuditExporter.Run(ctx, cfg.Audit.ExportInterval.Duration) })
	if agent.AdminServer != nil {
		run(agent.runAdmin)
	}

	logger.Info("liquidatord started", "chain_id", cfg.ChainID, "pool", cfg.PoolAddress, "dry_run", cfg.DryRun)
	<-stopCtx.Done()
	logger.Info("liquidatord shutting down")
	wg.Wait()
	return nil
}

// runBandsSync polls the live config snapshot every 5 seconds and applies
// changed HF bands to the registry. It is the only runtime consumer of a
// reloaded snapshot: every other field takes effect only after a restart.
func (a *Agent) runBandsSync(w *config.Watcher) func(context.Context) {
	return func(ctx context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		last := w.Current().Bands
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next := w.Current().Bands
				if next != last {
					a.Registry.SetBands(next)
					last = next
					a.Logger.Info("hf bands reloaded", "watch", next.Watch, "critical", next.Critical, "liquidatable", next.Liquidatable)
				}
			}
		}
	}
}

func (a *Agent) runEventRouter(ctx context.Context) {
	a.Router.Run(ctx, a.LogWatcher.Run(ctx))
}

