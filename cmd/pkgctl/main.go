// Command pkgctl runs maintenance operations against a pkgrepo deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/app"
	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/config"
	"github.com/maneesh/pkgrepo/internal/logging"
)

// Exit codes.
const (
	exitOK        = 0
	exitRuntime   = 1
	exitMisconfig = 2
)

var (
	rootCmd = &cobra.Command{
		Use:           "pkgctl",
		Short:         "Package repository maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(clearCacheCmd)
	rootCmd.AddCommand(gcUploadsCmd)
	rootCmd.AddCommand(cleanupSubmissionsCmd)
	rootCmd.AddCommand(rebuildIndexCmd)
	rootCmd.AddCommand(dropStaleIndexCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pkgctl: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case apperr.Configuration.Has(err):
		return exitMisconfig
	default:
		return exitRuntime
	}
}

// setup loads configuration and builds the logger for one command.
func setup() (*config.Config, *zap.Logger, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := conf.LogLevel
	if verbose {
		level = "debug"
	}
	log, err := logging.New(level, conf.LogDevelopment)
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}

// withApp runs fn against a fully wired App.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	conf, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	a, err := app.New(ctx, log, conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error closing connections", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}
