// Package recognize implements the recognize command.
package recognize

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/faceid/cmd/render"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/faceid"
	"github.com/tphakala/faceid/internal/inference"
	"github.com/tphakala/faceid/internal/scratch"
)

const (
	stdinArg     = "-"
	closeTimeout = 5 * time.Second
)

// Recognizer is the part of the service the command needs.
type Recognizer interface {
	Recognize(ctx context.Context, path string) inference.Result
}

// Output is one line of command output.
type Output struct {
	Image string `json:"image"`
	inference.Result
}

// Command creates the recognize command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recognize <image|->...",
		Short: "Identify the person in one or more images",
		Long:  "Identify the person in each image. Use - to read a single image from standard input.",
		Args:  cobra.MinimumNArgs(1),
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
			outputs, err := recognizeAll(ctx, svc, args, os.Stdin, settings.Storage.UploadDir())
			if err != nil {
				return err
			}
			return write(os.Stdout, outputs, viper.GetBool("recognize.json"))
		},
	}

	cmd.Flags().Bool("json", false, "Print results as JSON")
	if err := viper.BindPFlag("recognize.json", cmd.Flags().Lookup("json")); err != nil {
		fmt.Fprintf(os.Stderr, "error binding flags: %v\n", err)
	}

	return cmd
}

// recognizeAll runs every image through r. Standard input is spooled to a
// temporary file in uploadDir first.
func recognizeAll(ctx context.Context, r Recognizer, args []string, stdin io.Reader, uploadDir string) ([]Output, error) {
	outputs := make([]Output, 0, len(args))
	stdinUsed := false
	for _, arg := range args {
		path := arg
		if arg == stdinArg {
			if stdinUsed {
				return nil, fmt.Errorf("standard input can only be read once")
			}
			stdinUsed = true
			tmp, err := scratch.Save(uploadDir, stdin, "")
			if err != nil {
				return nil, err
			}
			defer os.Remove(tmp)
			path = tmp
		}
		outputs = append(outputs, Output{Image: arg, Result: r.Recognize(ctx, path)})
	}
	return outputs, nil
}

func write(w io.Writer, outputs []Output, asJSON bool) error {
	failed := 0
	for i := range outputs {
		if !outputs[i].OK() {
			failed++
		}
	}

	if asJSON {
		if err := render.JSON(w, outputs); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(outputs))
		for i := range outputs {
			rows = append(rows, row(&outputs[i]))
		}
		fmt.Fprintln(w, render.Table([]string{"Image", "Result", "Identity", "Confidence", "Model"}, rows,
			render.AlignLeft, render.AlignLeft, render.AlignLeft, render.AlignRight))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images could not be recognized", failed, len(outputs))
	}
	return nil
}

func row(o *Output) []string {
	switch o.Status {
	case inference.StatusIdentified:
		return []string{o.Image, render.Good(string(o.Status)), o.Label, render.Percent(o.Confidence), o.ModelVersion}
	case inference.StatusUnknown:
		return []string{o.Image, render.Warn(string(o.Status)), o.Label, render.Percent(o.Confidence), o.ModelVersion}
	default:
		return []string{o.Image, render.Bad(o.Kind), o.Reason, "", o.ModelVersion}
	}
}
