package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix       = "CREDITD"
	flagDatabaseURL = "database-url"
	flagEnvFile     = "env-file"
	// defaultDatabaseURL matches the serve default so admin commands hit the same file.
	defaultDatabaseURL = "sqlite:///tmp/credits.db"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit purchases, receipts and wallet service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString(flagEnvFile)
			return loadEnvFile(envFile)
		},
	}
	cmd.PersistentFlags().String(flagEnvFile, ".env", "optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "postgres:// URL, sqlite:// URL or SQLite path")

	cmd.AddCommand(newServeCommand(), newAdjustCommand(), newJanitorCommand(), newMigrateCommand())
	return cmd
}

// loadEnvFile keeps variables already present in the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// newViper binds the named flags of cmd to CREDITD_* environment variables.
func newViper(cmd *cobra.Command, flagNames ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range flagNames {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			return nil, fmt.Errorf("unknown flag %s", flagName)
		}
		if err := v.BindPFlag(flagName, flag); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}
