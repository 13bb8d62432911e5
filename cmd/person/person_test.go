package person

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/identity"
)

func sqliteSettings(t *testing.T) *conf.Settings {
	t.Helper()
	return &conf.Settings{Database: conf.DatabaseSettings{
		Type:   "sqlite",
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "faceid.db")},
	}}
}

func writeImages(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("img"), 0o644))
	}
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.Execute()
}

func TestImportThenList(t *testing.T) {
	settings := sqliteSettings(t)
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "ada"), "1.jpg", "2.png")
	writeImages(t, filepath.Join(root, "bob"), "1.jpeg")
	writeImages(t, filepath.Join(root, "empty"), "notes.txt")

	require.NoError(t, execute(t, Command(settings), "import", root))
	// A second import skips persons that already exist.
	require.NoError(t, execute(t, Command(settings), "import", root))

	repo, err := identity.Open(&settings.Database)
	require.NoError(t, err)
	defer repo.Close()

	records, err := repo.ListIdentitiesWithImages(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 2)

	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, records))
	assert.Contains(t, buf.String(), "ada")
	assert.Contains(t, buf.String(), "bob")
}

func TestAddRequiresImages(t *testing.T) {
	err := execute(t, Command(sqliteSettings(t)), "add", "ada")
	require.Error(t, err)
}

func TestWriteSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, identity.ImportSummary{Persons: 2, Images: 3, Skipped: []string{"empty"}}))
	assert.Contains(t, buf.String(), "Imported 2 persons with 3 images")
	assert.Contains(t, buf.String(), "empty")
}
