// cmd/server/main.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "dispatcher",
	Short:        "Batch campaign dispatcher",
	RunE:         serve,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML configuration file (optional)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log, os.Stdout)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return err
	}
	return nil
}
