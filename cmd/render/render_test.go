package render

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	t.Parallel()

	out := Table([]string{"Epoch", "Accuracy"}, [][]string{
		{"1", "50.0%"},
		{"2"},
	}, AlignRight, AlignRight)

	assert.Contains(t, strings.ToLower(out), "epoch")
	assert.Contains(t, out, "50.0%")
	assert.Equal(t, 6, strings.Count(out, "\n")+1, "header, two rows and three borders")
}

func TestTableWithoutColumns(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Table(nil, [][]string{{"x"}}))
}

func TestJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]int{"persons": 2}))
	assert.JSONEq(t, `{"persons":2}`, buf.String())
	assert.Contains(t, buf.String(), "\n  ")
}

func TestPercent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "91.5%", Percent(0.915))
}

func TestNewProgressBarNotTerminal(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, NewProgressBar(f, 10, "training"))
	assert.False(t, IsTerminal(f))
}
