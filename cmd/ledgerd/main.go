package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/visionmarket/ledger/internal/config"
	"github.com/visionmarket/ledger/internal/database"
	"github.com/visionmarket/ledger/pkg/logger"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Wallet and marketplace settlement ledger for visions",
	Long: `ledgerd keeps user wallets, settles marketplace purchases, distributes
platform fees to the contributing pools, enforces custody of assets held by
lapsed subscribers and reviews withdrawal requests.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, reconcileCmd, tokenCmd, configCmd)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the process logger
func bootstrap() (*config.Config, *zap.Logger, error) {
	var paths []string
	if configFile != "" {
		paths = append(paths, configFile)
	}
	// config loading logs at info before the configured level is known
	bootLog, err := logger.NewLogger("info")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	cfg, err := config.Load(bootLog, paths...)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	zapLogger, err := logger.NewLogger(level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, zapLogger, nil
}

// openDB connects and migrates when auto_migrate is set
func openDB(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
		log.Info("Schema migrated")
	}
	return db, nil
}
