// Package stats implements the stats command.
package stats

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/faceid/cmd/render"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/faceid"
)

const closeTimeout = 5 * time.Second

// Command creates the stats command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show identity and model statistics",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := faceid.Open(settings, nil)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				if cerr := svc.Close(ctx); cerr != nil && err == nil {
					err = cerr
				}
			}()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			s, err := svc.Stats(ctx)
			if err != nil {
				return err
			}
			if viper.GetBool("stats.json") {
				return render.JSON(os.Stdout, s)
			}
			return write(os.Stdout, &s)
		},
	}

	cmd.Flags().Bool("json", false, "Print statistics as JSON")
	if err := viper.BindPFlag("stats.json", cmd.Flags().Lookup("json")); err != nil {
		fmt.Fprintf(os.Stderr, "error binding flags: %v\n", err)
	}

	return cmd
}

func write(w io.Writer, s *faceid.Stats) error {
	pairs := [][2]string{
		{"Persons", strconv.FormatInt(s.Persons, 10)},
		{"Images", strconv.FormatInt(s.Images, 10)},
	}
	if s.Trained {
		pairs = append(pairs,
			[2]string{"Model version", s.ModelVersion},
			[2]string{"Identities in model", strconv.Itoa(s.Classes)},
		)
	} else {
		pairs = append(pairs, [2]string{"Model version", render.Warn("not trained")})
	}
	if !s.LastTrained.IsZero() {
		pairs = append(pairs,
			[2]string{"Last trained", s.LastTrained.Local().Format("2006-01-02 15:04:05")},
			[2]string{"Accuracy", render.Percent(s.Accuracy)},
			[2]string{"Validation accuracy", render.Percent(s.ValAccuracy)},
		)
	}
	_, err := fmt.Fprintln(w, render.KeyValues(pairs))
	return err
}
