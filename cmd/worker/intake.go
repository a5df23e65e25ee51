package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIntakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intake",
		Short: "Consume producer events from Kafka and fan them out to subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			kc := kafka.FromConfig(eng.cfg.Kafka)
			consumer, err := kafka.NewConsumer(kc)
			if err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			defer consumer.Close()

			w := worker.NewIntake(consumer, eng.registry, eng.ledger, eng.executor, eng.log)
			if eng.cfg.Intake.Workers > 0 {
				w.Workers = eng.cfg.Intake.Workers
			}

			// graceful shutdown
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng.log.Info("intake started",
				zap.String("topic", kc.Topic),
				zap.String("group_id", kc.GroupID),
				zap.Int("workers", w.Workers))
			return w.Run(ctx)
		},
	}
}
