package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"enrollment-service/config"
	"enrollment-service/internal/app"
	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "paymentsctl",
		Short:        "Operate the enrollment payment pipeline",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(rateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads the config, connects, runs fn and disconnects
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer util.SyncLogger()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Store.Migrate(ctx); err != nil {
					return err
				}
				fmt.Println("Schema applied")
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var recheck bool

	cmd := &cobra.Command{
		Use:   "reconcile [reference]",
		Short: "Reconcile one payment against the gateway",
		Long: `Reconcile one payment against the gateway.

A failed payment is left alone unless --recheck is set. A recheck that finds
the gateway reporting success exits non-zero: the buyer was charged for a
payment that stays failed and needs a manual refund.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Reconciler.Reconcile(ctx, args[0], service.ReconcileOptions{Recheck: recheck})
				if res != nil {
					if perr := printJSON(res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&recheck, "recheck", false, "ask the gateway about a failed payment too")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover [reference]",
		Short: "Record a gateway transaction that has no local payment row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Reconciler.Recover(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile stale pending payments once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Sweeper.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func rateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "Manage exchange rates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set [base] [quote] [rate]",
		Short: "Store a rate and refresh its cache entry",
		Example: `  paymentsctl rate set USD NGN 1550.25
  paymentsctl rate set NGN USD 0.000645`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := parseRate(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Store.SetExchangeRate(ctx, rate); err != nil {
					return fmt.Errorf("store rate: %w", err)
				}
				ttl := a.Config().Business.RateCacheTTL
				if err := a.Redis.SetRate(ctx, rate.Base, rate.Quote, rate.Rate.String(), ttl); err != nil {
					// the table is the source of truth; the stale entry expires on its own
					util.GetLogger().Warn("Failed to refresh cached rate", zap.Error(err))
				}
				return printJSON(rate)
			})
		},
	})
	return cmd
}

func parseRate(base, quote, raw string) (*models.ExchangeRate, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if len(base) != 3 || len(quote) != 3 {
		return nil, errors.New("currencies must be three-letter codes")
	}
	if base == quote {
		return nil, errors.New("base and quote must differ")
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", raw, err)
	}
	if !rate.IsPositive() {
		return nil, errors.New("rate must be positive")
	}
	return &models.ExchangeRate{Base: base, Quote: quote, Rate: rate}, nil
}
