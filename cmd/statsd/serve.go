package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the statistics engine HTTP/WS server and compaction loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.store.DB.Close()
			defer e.log.Sync()

			e.tasks.Start()
			defer e.tasks.Close()

			go runCompactionLoop(ctx, e)

			fmt.Printf("📦 Database: %s (%s)\n", cfg.Database.DSN, cfg.Database.Dialect)
			fmt.Printf("⚙️  Config: %s\n", configPath)
			fmt.Printf("🚀 Server listening on %s\n", cfg.Server.ListenAddr)

			srv := e.server()
			if err := srv.Run(ctx, cfg.Server.ListenAddr); err != nil {
				return fmt.Errorf("statsd: serve: %w", err)
			}
			return nil
		},
	}
}

// runCompactionLoop fires every five minutes counted from process
// start and compacts the aligned 5-minute window containing each tick,
// the way the teacher's cleanupLoop/metricsBroadcastLoop
// goroutines tick off a time.Ticker in main.go. It also does one
// catch-up sweep at startup so a restart after downtime backfills
// missed windows (spec.md §4.4 "Missing statistics catch-up").
func runCompactionLoop(ctx context.Context, e *engine) {
	now := float64(time.Now().Unix())
	keepDays := e.cfg.Retention.ShortTermDays
	if keepDays <= 0 {
		keepDays = 10
	}
	if ran, err := e.compaction.CatchUp(ctx, now, float64(keepDays*86400)); err != nil {
		e.log.Error("compaction: startup catch-up failed", err)
	} else if ran > 0 {
		e.log.Info("compaction: startup catch-up complete", zap.Int("windows", ran))
	}

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			start := float64(tick.Unix()) - float64(tick.Unix())%300
			if _, err := e.compaction.Run5Minute(ctx, start, true); err != nil {
				e.log.Error("compaction: 5-minute run failed", err, zap.Float64("start_ts", start))
			}
		}
	}
}
