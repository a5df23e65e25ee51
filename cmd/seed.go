package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const demoSubscriptionID = "01HZZZZZZZZZZZZZZZZZDEM0SB"

var seedTargetURL string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo accounts and a demo webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		accounts := repository.NewAccountsRepository(sqlDB)
		for _, a := range demoAccounts() {
			if err := accounts.Upsert(ctx, nil, &a); err != nil {
				return fmt.Errorf("upsert account %q: %w", a.Name, err)
			}
		}
		log.Info("seeded demo accounts", zap.Int("count", len(demoAccounts())))

		owner, err := accounts.GetByAPIKey(ctx, demoAccounts()[0].APIKey)
		if err != nil {
			return fmt.Errorf("load demo owner: %w", err)
		}
		if owner == nil {
			return fmt.Errorf("demo owner missing after upsert")
		}

		sub := &model.Subscription{
			ID:            demoSubscriptionID,
			AccountID:     owner.ID,
			Name:          "demo receiver",
			TargetURL:     seedTargetURL,
			Secret:        []byte("whsec_demo"),
			EventPatterns: model.Patterns{model.WildcardPattern},
			Active:        true,
			MaxRetries:    -1,
		}
		sub.ApplyDefaults(cfg.Policy())
		if err := sub.Validate(); err != nil {
			return err
		}
		if err := repository.NewLedger(sqlDB).SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save demo subscription: %w", err)
		}
		log.Info("seeded demo subscription",
			zap.String("subscription_id", sub.ID),
			zap.Int64("account_id", owner.ID),
			zap.String("target_url", sub.TargetURL))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedTargetURL, "target", "http://127.0.0.1:9999/webhook", "target URL of the demo subscription")
}

// demoAccounts are deterministic so the API keys can be used from docs.
func demoAccounts() []model.Account {
	return []model.Account{
		{Name: "Acme Corp", APIKey: "11111111111111111111111111111111", Status: model.AccountActive, RateLimitRPS: intptr(20)},
		{Name: "Foobar LLC", APIKey: "22222222222222222222222222222222", Status: model.AccountActive, RateLimitRPS: intptr(50)},
		{Name: "Beta Testers", APIKey: "33333333333333333333333333333333", Status: model.AccountActive, RateLimitRPS: intptr(5)},
		{Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: model.AccountSuspended},
	}
}

func intptr(i int) *int { return &i }
