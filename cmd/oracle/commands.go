package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/trogers1052/equity-oracle/internal/api"
	"github.com/trogers1052/equity-oracle/internal/config"
	"github.com/trogers1052/equity-oracle/internal/database"
	"github.com/trogers1052/equity-oracle/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oracle",
		Short: "Equity price oracle with funding rates and risk windows",
		Long: `oracle serves consensus equity prices adjusted for corporate actions,
calculates perpetual funding rates, and issues leverage recommendations
around risk windows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newReconcileCmd(),
		newFundingCmd(),
		newAssessCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the corporate action consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, migrate)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	handler := api.NewHandler(a.aggregator, a.reconciler, a.calculator, a.engine, a.logger.Named("api"))
	server := &http.Server{
		Addr:              a.cfg.Server.Host + ":" + a.cfg.Server.Port,
		Handler:           api.SetupRoutes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	if a.cfg.Kafka.Enabled {
		consumer := a.newConsumer()
		g.Go(func() error {
			return consumer.Start(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			db, err := database.New(cfg.Database.ConnectionString())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cfg.Database.MigrationsPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "reconcile SYMBOL",
		Short: "Fetch corporate actions from every source and reconcile them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse("2006-01-02", since)
			if err != nil {
				return fmt.Errorf("invalid --since %q: %w", since, err)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				actions, err := a.reconciler.FetchAndReconcile(ctx, args[0], from)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), actions)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", time.Now().UTC().AddDate(-1, 0, 0).Format("2006-01-02"), "earliest effective date to fetch (YYYY-MM-DD)")
	return cmd
}

func newFundingCmd() *cobra.Command {
	var mark string

	cmd := &cobra.Command{
		Use:   "funding SYMBOL",
		Short: "Calculate and store the funding rate for a perpetual mark price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			markPrice, err := decimal.NewFromString(mark)
			if err != nil {
				return fmt.Errorf("invalid --mark %q: %w", mark, err)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				record, err := a.calculator.Calculate(ctx, args[0], markPrice)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	}
	cmd.Flags().StringVar(&mark, "mark", "", "perpetual mark price")
	_ = cmd.MarkFlagRequired("mark")
	return cmd
}

func newAssessCmd() *cobra.Command {
	var (
		positionID string
		leverage   float64
		recommend  bool
	)

	cmd := &cobra.Command{
		Use:   "assess SYMBOL",
		Short: "Assess risk for a symbol and optionally issue recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := strings.ToUpper(args[0])
			var position *models.Position
			if leverage > 0 {
				position = &models.Position{ID: positionID, Symbol: symbol, Leverage: leverage}
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if recommend {
					created, err := a.engine.GenerateRecommendations(ctx, symbol, position)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), created)
				}

				assessment, err := a.engine.AssessRisk(ctx, symbol, position)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), assessment)
			})
		},
	}
	cmd.Flags().StringVar(&positionID, "position", "", "position identifier")
	cmd.Flags().Float64Var(&leverage, "leverage", 0, "current position leverage (baseline when omitted)")
	cmd.Flags().BoolVar(&recommend, "recommend", false, "store and publish recommendations")
	return cmd
}

// withApp runs fn against a fully wired app without applying migrations.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
