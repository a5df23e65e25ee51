package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/webhook-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRetryCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Run the retry scheduler (ticker loop, or one sweep with --once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			rc := eng.cfg.Retry
			s := worker.NewRetryScheduler(eng.ledger, eng.registry, eng.executor, eng.log)
			s.WorkerID = rc.WorkerID
			if s.WorkerID == "" {
				s.WorkerID = defaultWorkerID("retry")
			}
			// tune knobs
			if rc.Workers > 0 {
				s.Workers = rc.Workers
			}
			if rc.BatchSize > 0 {
				s.BatchSize = rc.BatchSize
			}
			if rc.PollInterval > 0 {
				s.PollInterval = rc.PollInterval
			}
			if rc.LeaseDuration > 0 {
				s.LeaseDuration = rc.LeaseDuration
			}
			if rc.StaleAfter > 0 {
				s.StaleAfter = rc.StaleAfter
			}

			// graceful shutdown
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if once {
				n, err := s.Sweep(ctx)
				eng.log.Info("retry sweep finished", zap.String("worker_id", s.WorkerID), zap.Int("processed", n))
				return err
			}

			eng.log.Info("retry scheduler started",
				zap.String("worker_id", s.WorkerID),
				zap.Int("workers", s.Workers),
				zap.Int("batch_size", s.BatchSize),
				zap.Duration("poll_interval", s.PollInterval))
			return s.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit (for cron)")
	return cmd
}
