// Package serve implements the long running faceid service command.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/faceid"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/mqtt"
	"github.com/tphakala/faceid/internal/observability"
	"github.com/tphakala/faceid/internal/scratch"
)

// shutdownTimeout bounds how long a running training session gets to
// observe cancellation.
const shutdownTimeout = 30 * time.Second

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service with training, cleanup, metrics and status publishing",
		Long: `Run the face identification service until interrupted.

The service trains automatically when no model exists and training.auto_train
is set, removes stale upload files, exposes Prometheus metrics when enabled
and publishes training status to MQTT when enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, viper.GetBool("serve.train"))
		},
	}

	cmd.Flags().Bool("train", false, "Start a training run at startup")
	if err := viper.BindPFlag("serve.train", cmd.Flags().Lookup("train")); err != nil {
		fmt.Fprintf(os.Stderr, "error binding flags: %v\n", err)
	}

	return cmd
}

func run(parent context.Context, settings *conf.Settings, trainNow bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Global().Module("serve")
	var wg sync.WaitGroup

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	if settings.Metrics.Enabled {
		endpoint, err := observability.NewEndpoint(settings, m)
		if err != nil {
			return err
		}
		endpoint.Start(ctx, &wg)
	}

	svc, err := faceid.Open(settings, m)
	if err != nil {
		return err
	}
	svc.Start()
	if trainNow {
		res := svc.StartTraining(0)
		if !res.Accepted {
			log.Warn("training not started", logger.String("reason", res.Reason))
		}
	}

	janitor := scratch.NewJanitor(&settings.Storage)
	wg.Go(func() { janitor.Run(ctx) })

	// The publisher outlives ctx so the final cancelled status still reaches
	// the broker during shutdown.
	pubCtx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer pubCancel()
	var client mqtt.Client
	if settings.MQTT.Enabled {
		cfg := mqtt.ConfigFromSettings(settings)
		client = mqtt.NewClient(cfg, m.MQTT)
		if err := client.Connect(ctx); err != nil {
			log.Warn("MQTT broker unavailable, retrying in background",
				logger.String("broker", cfg.Broker), logger.Error(err))
		}
		publisher := mqtt.NewPublisher(client, cfg, instanceName(settings), m.MQTT)
		wg.Go(func() { publisher.Run(pubCtx, svc) })
	}

	log.Info("faceid service running", logger.Bool("metrics", settings.Metrics.Enabled), logger.Bool("mqtt", settings.MQTT.Enabled))
	<-ctx.Done()
	log.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := svc.Close(closeCtx)
	pubCancel()
	wg.Wait()
	if client != nil {
		client.Disconnect()
	}

	if closeErr != nil {
		return fmt.Errorf("shutdown: %w", closeErr)
	}
	return nil
}

func instanceName(settings *conf.Settings) string {
	if settings.Main.Name != "" {
		return settings.Main.Name
	}
	host, err := os.Hostname()
	if err != nil {
		return "faceid"
	}
	return host
}
