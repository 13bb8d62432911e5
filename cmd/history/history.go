// Package history implements the history command.
package history

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/faceid/cmd/render"
	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/conf"
)

// Command creates the history command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show per-epoch metrics of the last completed training run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := artifacts.NewStore(settings.Storage.ModelDir, settings.Storage.HistoryPath())
			h, ok, err := store.ReadHistory()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no training history at %s", store.HistoryPath())
			}
			if viper.GetBool("history.json") {
				return render.JSON(os.Stdout, h)
			}
			return write(os.Stdout, &h)
		},
	}

	cmd.Flags().Bool("json", false, "Print the history file as JSON")
	if err := viper.BindPFlag("history.json", cmd.Flags().Lookup("json")); err != nil {
		fmt.Fprintf(os.Stderr, "error binding flags: %v\n", err)
	}

	return cmd
}

func write(w io.Writer, h *artifacts.History) error {
	fmt.Fprintf(w, "Run %s finished %s, model %s\n",
		orDash(h.RunID), h.Timestamp.Local().Format("2006-01-02 15:04:05"), orDash(h.Version))
	if h.Fallback {
		fmt.Fprintln(w, render.Warn("Only a summary was recorded for this run."))
	}

	e := h.Epochs
	rows := make([][]string, 0, len(e.Accuracy))
	for i := range e.Accuracy {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			render.Percent(e.Accuracy[i]),
			value(e.Loss, i, "%.4f"),
			percentAt(e.ValAccuracy, i),
			value(e.ValLoss, i, "%.4f"),
		})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, render.Table([]string{"Epoch", "Accuracy", "Loss", "Val accuracy", "Val loss"}, rows,
			render.AlignRight, render.AlignRight, render.AlignRight, render.AlignRight, render.AlignRight))
	}

	_, err := fmt.Fprintf(w, "Peak accuracy %s, validation %s, %d identities, %d images\n",
		render.Percent(h.Accuracy), render.Percent(h.ValAccuracy), h.Classes, h.Images)
	return err
}

func value(s []float64, i int, format string) string {
	if i >= len(s) {
		return "-"
	}
	return fmt.Sprintf(format, s[i])
}

func percentAt(s []float64, i int) string {
	if i >= len(s) {
		return "-"
	}
	return render.Percent(s[i])
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
