// Command worker consumes queued deliveries from the broker and relays them
// to the HTTP messaging provider. It pairs with a dispatcher running
// transport.kind=queue and queue.kind=amqp.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/logger"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "worker",
	Short:        "Relay queued campaign messages to the provider",
	RunE:         run,
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

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log, os.Stdout)

	if cfg.Queue.Kind != "amqp" {
		return fmt.Errorf("worker needs queue.kind amqp, got %q", cfg.Queue.Kind)
	}
	providerCfg := cfg.Transport
	providerCfg.Kind = "http"
	if err := providerCfg.Validate(); err != nil {
		return err
	}

	q, err := queue.DialAMQP(cfg.Queue, log)
	if err != nil {
		return err
	}
	defer q.Close()

	provider := transport.NewHTTPTransport(providerCfg)
	if err := q.Subscribe(cfg.Transport.Topic, transport.RelayConsumer(provider, log)); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Transport.Topic, err)
	}
	log.Info().Str("topic", cfg.Transport.Topic).Msg("worker consuming")

	<-ctx.Done()
	log.Info().Msg("worker stopping")
	return nil
}
