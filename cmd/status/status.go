// Package status implements the status command.
package status

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/faceid/cmd/render"
	"github.com/tphakala/faceid/internal/artifacts"
	"github.com/tphakala/faceid/internal/conf"
)

// Report is the machine readable form of the status output.
type Report struct {
	Trained      bool               `json:"trained"`
	ModelVersion string             `json:"model_version,omitempty"`
	Versions     []string           `json:"versions"`
	Training     bool               `json:"training"`
	LastRun      *artifacts.History `json:"last_run,omitempty"`
}

// Command creates the status command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the published model and whether training is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := artifacts.NewStore(settings.Storage.ModelDir, settings.Storage.HistoryPath())
			report, err := collect(store)
			if err != nil {
				return err
			}
			if viper.GetBool("status.json") {
				return render.JSON(os.Stdout, report)
			}
			return write(os.Stdout, report)
		},
	}

	cmd.Flags().Bool("json", false, "Print status as JSON")
	if err := viper.BindPFlag("status.json", cmd.Flags().Lookup("json")); err != nil {
		fmt.Fprintf(os.Stderr, "error binding flags: %v\n", err)
	}

	return cmd
}

func collect(store *artifacts.Store) (Report, error) {
	var r Report

	version, err := store.CurrentVersion()
	switch {
	case err == nil:
		r.Trained = true
		r.ModelVersion = version
	case !errors.Is(err, artifacts.ErrModelNotTrained):
		return r, err
	}

	if r.Versions, err = store.Versions(); err != nil {
		return r, err
	}

	if r.Training, err = lockHeld(store.LockPath()); err != nil {
		return r, err
	}

	h, ok, err := store.ReadHistory()
	if err != nil {
		return r, err
	}
	if ok {
		r.LastRun = &h
	}
	return r, nil
}

// lockHeld reports whether another process holds the training lock.
func lockHeld(path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe training lock: %w", err)
	}
	if !locked {
		return true, nil
	}
	return false, lock.Unlock()
}

func write(w io.Writer, r Report) error {
	model := render.Warn("not trained")
	if r.Trained {
		model = r.ModelVersion
	}
	training := "no"
	if r.Training {
		training = render.Good("running")
	}
	pairs := [][2]string{
		{"Model", model},
		{"Stored versions", strconv.Itoa(len(r.Versions))},
		{"Training", training},
	}
	if h := r.LastRun; h != nil {
		pairs = append(pairs,
			[2]string{"Last trained", h.Timestamp.Local().Format("2006-01-02 15:04:05")},
			[2]string{"Identities", strconv.Itoa(h.Classes)},
			[2]string{"Images", strconv.Itoa(h.Images)},
			[2]string{"Accuracy", render.Percent(h.Accuracy)},
			[2]string{"Validation accuracy", render.Percent(h.ValAccuracy)},
		)
	}
	_, err := fmt.Fprintln(w, render.KeyValues(pairs))
	return err
}
