package generator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newCloneDir(t *testing.T, withConfig bool) string {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	dir := t.TempDir()

	if withConfig {
		err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("modname: widgets\n"), 0o644)
		require.NoError(t, err)
	}

	return dir
}

func TestRunParsesManagedFiles(t *testing.T) {
	dir := newCloneDir(t, true)

	cmd, err := NewCommand([]string{"sh", "-c", `printf 'tox.ini\nsetup.cfg\n\n.github/workflows/python_ci.yml\n'`})
	require.NoError(t, err)

	managed, err := cmd.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"tox.ini", "setup.cfg", ".github/workflows/python_ci.yml"}, managed)
}

func TestRunWithoutConfigFile(t *testing.T) {
	dir := newCloneDir(t, false)

	cmd, err := NewCommand([]string{"true"})
	require.NoError(t, err)

	_, err = cmd.Run(context.Background(), dir)
	require.ErrorIs(t, err, ErrConfigMissing)
}

func TestRunReportsStderrOnFailure(t *testing.T) {
	dir := newCloneDir(t, true)

	cmd, err := NewCommand([]string{"sh", "-c", "echo 'parse error' >&2; exit 3"})
	require.NoError(t, err)

	_, err = cmd.Run(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")
}

func TestNewCommandRejectsEmptyArgv(t *testing.T) {
	_, err := NewCommand(nil)
	require.Error(t, err)
}
