package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/visionmarket/ledger/api"
	"github.com/visionmarket/ledger/internal/app"
	"github.com/visionmarket/ledger/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, zapLogger, err := bootstrap()
		if err != nil {
			return err
		}
		defer zapLogger.Sync()

		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		if err := database.Migrate(db); err != nil {
			return err
		}
		zapLogger.Info("Schema migrated", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release assets of users whose grace period has ended, once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, zapLogger, err := bootstrap()
		if err != nil {
			return err
		}
		defer zapLogger.Sync()

		db, err := openDB(cfg, zapLogger)
		if err != nil {
			return err
		}
		ledger, err := app.New(cfg, db, app.Deps{}, zapLogger)
		if err != nil {
			return err
		}
		defer ledger.Close()

		res, err := ledger.Custody.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare every wallet balance against its ledger and list drift",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, zapLogger, err := bootstrap()
		if err != nil {
			return err
		}
		defer zapLogger.Sync()

		db, err := openDB(cfg, zapLogger)
		if err != nil {
			return err
		}
		ledger, err := app.New(cfg, db, app.Deps{}, zapLogger)
		if err != nil {
			return err
		}
		defer ledger.Close()

		drifted, err := ledger.Wallets.ReconcileAll(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(drifted); err != nil {
			return err
		}
		if len(drifted) > 0 {
			return fmt.Errorf("%d wallets drifted from their ledger", len(drifted))
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, zapLogger, err := bootstrap()
		if err != nil {
			return err
		}
		defer zapLogger.Sync()

		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var (
	tokenAdmin bool
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Sign a bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, zapLogger, err := bootstrap()
		if err != nil {
			return err
		}
		defer zapLogger.Sync()

		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not configured")
		}
		tok, err := api.IssueToken(cfg.Auth.JWTSecret, userID, tokenAdmin, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant the admin role")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
