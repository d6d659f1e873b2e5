package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/config"
	"github.com/accproxy/accproxy/internal/database"
	"github.com/accproxy/accproxy/internal/logger"
	"github.com/accproxy/accproxy/internal/models"
	"github.com/accproxy/accproxy/internal/server"
)

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "accproxy",
		Short: "Budget-enforcing, security-aware LLM reverse proxy",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newKeygenCommand())
	return root
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			srv, err := server.Bootstrap(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database automigration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			// Connect runs the automigration.
			if _, err := database.Connect(cfg.Database, log); err != nil {
				return err
			}
			log.Info("migration complete")
			return nil
		},
	}
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a raw API key and its storable hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			raw, hash, err := models.GenerateAPIKey(cfg.Auth.KeyPrefix)
			if err != nil {
				return err
			}
			fmt.Printf("key:  %s\nhash: %s\n", raw, hash)
			return nil
		},
	}
}
