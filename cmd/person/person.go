// Package person implements commands that manage registered identities.
package person

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tphakala/faceid/cmd/render"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/identity"
)

// Command creates the person command and its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "person",
		Short: "Manage registered persons and their example images",
	}

	cmd.AddCommand(importCommand(settings), addCommand(settings), listCommand(settings))
	return cmd
}

func importCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Register one person per subdirectory of dir",
		Long: `Register one person per subdirectory of dir, named after the subdirectory
and holding the images inside it. Persons that already exist are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(settings, func(repo *identity.GormRepository) error {
				summary, err := identity.ImportDir(contextOf(cmd), repo, args[0])
				if err != nil {
					return err
				}
				return writeSummary(os.Stdout, summary)
			})
		},
	}
}

func addCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <image>...",
		Short: "Register a person with example images",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(settings, func(repo *identity.GormRepository) error {
				p, err := repo.AddPerson(contextOf(cmd), args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("Registered %s (id %d) with %d images\n", p.Name, p.ID, len(p.Images))
				return nil
			})
		},
	}
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persons that have example images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(settings, func(repo *identity.GormRepository) error {
				records, err := repo.ListIdentitiesWithImages(contextOf(cmd))
				if err != nil {
					return err
				}
				return writeRecords(os.Stdout, records)
			})
		},
	}
}

func withRepository(settings *conf.Settings, fn func(*identity.GormRepository) error) error {
	repo, err := identity.Open(&settings.Database)
	if err != nil {
		return err
	}
	err = fn(repo)
	if cerr := repo.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeSummary(w io.Writer, s identity.ImportSummary) error {
	fmt.Fprintf(w, "Imported %d persons with %d images\n", s.Persons, s.Images)
	if len(s.Skipped) > 0 {
		fmt.Fprintf(w, "%s %s\n", render.Warn("Skipped:"), strings.Join(s.Skipped, ", "))
	}
	return nil
}

func writeRecords(w io.Writer, records []identity.Record) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{r.ID, r.Name, strconv.Itoa(len(r.ImagePaths))})
	}
	_, err := fmt.Fprintln(w, render.Table([]string{"ID", "Name", "Images"}, rows,
		render.AlignRight, render.AlignLeft, render.AlignRight))
	return err
}
