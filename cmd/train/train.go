// Package train implements the foreground training command.
package train

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/faceid/cmd/render"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/faceid"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/training"
)

const shutdownTimeout = 30 * time.Second

// Command creates the train command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a new model version from the identity database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, viper.GetInt("train.epochs"))
		},
	}

	cmd.Flags().Int("epochs", 0, "Number of epochs, 0 uses training.epochs from the configuration")
	if err := viper.BindPFlag("train.epochs", cmd.Flags().Lookup("epochs")); err != nil {
		fmt.Fprintf(os.Stderr, "error binding flags: %v\n", err)
	}

	return cmd
}

func run(parent context.Context, settings *conf.Settings, epochs int) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := faceid.Open(settings, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := svc.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	updates, unsubscribe := svc.SubscribeStatus()
	defer unsubscribe()

	res := svc.StartTraining(epochs)
	if !res.Accepted {
		return fmt.Errorf("training not started: %s", res.Reason)
	}

	final, err := follow(ctx, updates, res.RunID)
	if err != nil {
		return err
	}
	if final.State == training.StateFailed {
		return fmt.Errorf("%s: %s", final.Message, final.Error)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Println(render.KeyValues([][2]string{
		{"Status", render.Good("trained")},
		{"Model version", stats.ModelVersion},
		{"Identities", fmt.Sprint(stats.Classes)},
		{"Accuracy", render.Percent(stats.Accuracy)},
		{"Validation accuracy", render.Percent(stats.ValAccuracy)},
	}))
	return nil
}

// follow reports progress of run runID until it reaches a terminal state.
func follow(ctx context.Context, updates <-chan training.Status, runID string) (training.Status, error) {
	log := logger.Global().Module("train")
	var bar *progressbar.ProgressBar
	lastEpoch := 0

	for {
		select {
		case <-ctx.Done():
			return training.Status{}, fmt.Errorf("training interrupted: %w", ctx.Err())
		case st, ok := <-updates:
			if !ok {
				return training.Status{}, fmt.Errorf("status stream closed")
			}
			if st.RunID != runID {
				continue
			}
			if st.TotalEpochs > 0 && bar == nil {
				bar = render.NewProgressBar(os.Stderr, st.TotalEpochs, "Training")
			}
			if st.CurrentEpoch != lastEpoch {
				lastEpoch = st.CurrentEpoch
				if bar != nil {
					_ = bar.Set(st.CurrentEpoch)
				} else {
					log.Info("epoch finished",
						logger.Int("epoch", st.CurrentEpoch),
						logger.Int("total", st.TotalEpochs),
						logger.Float64("accuracy", st.CurrentAccuracy),
						logger.Float64("val_accuracy", st.ValAccuracy),
						logger.Float64("loss", st.Loss))
				}
			}
			if st.Terminal() {
				if bar != nil {
					_ = bar.Finish()
					fmt.Fprintln(os.Stderr)
				}
				return st, nil
			}
		}
	}
}
