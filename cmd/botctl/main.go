// Command botctl is the operational CLI: health checks, queue depth
// inspection, bot registration and credit top-ups, kept as a scripted
// utility rather than folded into a manager-bot menu.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/crypto"
	"github.com/ivyrail/conductor/internal/kv"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/store"
)

var validate = validator.New()

func main() {
	root := &cobra.Command{
		Use:   "botctl",
		Short: "operational commands for the conductor platform",
	}
	root.AddCommand(healthCmd(), queueDepthCmd(), registerBotCmd(), topupCreditCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "check store and KV reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, err := store.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()
			if err := st.Ping(ctx); err != nil {
				return fmt.Errorf("store ping: %w", err)
			}

			kvClient, err := kv.New(cfg)
			if err != nil {
				return fmt.Errorf("kv: %w", err)
			}
			defer kvClient.Close()
			if err := kvClient.Ping(ctx); err != nil {
				return fmt.Errorf("kv ping: %w", err)
			}

			fmt.Println("ok")
			return nil
		},
	}
}

func queueDepthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-depth [queue-name]",
		Short: "print ready and dead-letter depth for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()

			kvClient, err := kv.New(cfg)
			if err != nil {
				return fmt.Errorf("kv: %w", err)
			}
			defer kvClient.Close()

			transport := queue.NewTransport(kvClient)
			depth, err := transport.Depth(ctx, args[0])
			if err != nil {
				return fmt.Errorf("depth: %w", err)
			}
			dead, err := transport.DeadLetterDepth(ctx, args[0])
			if err != nil {
				return fmt.Errorf("dead-letter depth: %w", err)
			}
			fmt.Printf("%s: ready=%d dead_letter=%d\n", args[0], depth, dead)
			return nil
		},
	}
}

func registerBotCmd() *cobra.Command {
	var token string
	var adminID int64
	var webhookSecret string

	cmd := &cobra.Command{
		Use:   "register-bot",
		Short: "register a secondary bot and set its Telegram webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			input := struct {
				Token   string `validate:"required"`
				AdminID int64  `validate:"required,gt=0"`
			}{Token: token, AdminID: adminID}
			if err := validate.Struct(input); err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}
			if webhookSecret == "" {
				webhookSecret = uuid.NewString()
			}

			cfg := config.Load()
			ctx := context.Background()

			st, err := store.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()

			cipher, err := crypto.NewTokenCipher(cfg.EncryptionKeyB64)
			if err != nil {
				return fmt.Errorf("cipher: %w", err)
			}
			encrypted, err := cipher.Encrypt(token)
			if err != nil {
				return fmt.Errorf("encrypt token: %w", err)
			}

			tg, err := clients.NewTelegram(token, cfg.TelegramTimeout, cfg.CircuitBreakerFailMax, cfg.CircuitBreakerTimeout)
			if err != nil {
				return fmt.Errorf("init telegram client: %w", err)
			}

			botID, err := st.Bots.Create(ctx, &model.Bot{
				OwnerAdminID:   adminID,
				EncryptedToken: encrypted,
				WebhookSecret:  webhookSecret,
				IsActive:       true,
			})
			if err != nil {
				return fmt.Errorf("create bot: %w", err)
			}

			webhookURL := fmt.Sprintf("%s/webhook/%d", cfg.WebhookBaseURL, botID)
			if err := tg.SetWebhook(ctx, webhookURL, webhookSecret); err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}

			fmt.Printf("registered bot %d, webhook_secret=%s\n", botID, webhookSecret)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Telegram bot token")
	cmd.Flags().Int64Var(&adminID, "admin-id", 0, "owning admin's Telegram id")
	cmd.Flags().StringVar(&webhookSecret, "webhook-secret", "", "shared secret for the webhook header (generated if omitted)")
	return cmd
}

func topupCreditCmd() *cobra.Command {
	var adminID int64
	var amountCents int64

	cmd := &cobra.Command{
		Use:   "topup-credit",
		Short: "add credit to an admin's wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			input := struct {
				AdminID     int64 `validate:"required,gt=0"`
				AmountCents int64 `validate:"required,gt=0"`
			}{AdminID: adminID, AmountCents: amountCents}
			if err := validate.Struct(input); err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}
			cfg := config.Load()
			ctx := context.Background()

			st, err := store.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer st.Close()

			if err := st.Credit.EnsureWallet(ctx, adminID); err != nil {
				return fmt.Errorf("ensure wallet: %w", err)
			}
			newBalance, err := st.Credit.ApplyDelta(ctx, adminID, amountCents, model.CategoryTopup, "botctl:topup-credit")
			if err != nil {
				return fmt.Errorf("apply delta: %w", err)
			}
			fmt.Printf("admin %d new balance: %d cents\n", adminID, newBalance)
			return nil
		},
	}
	cmd.Flags().Int64Var(&adminID, "admin-id", 0, "admin's Telegram id")
	cmd.Flags().Int64Var(&amountCents, "amount-cents", 0, "amount to add, in cents")
	return cmd
}
