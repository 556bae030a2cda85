package cli

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args from an empty working directory,
// so no watchguard.yaml or .env is picked up.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(testContext(t))
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "watchguard", cmd.Use)
	assert.Contains(t, cmd.Long, "skipping ahead")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"play"}, {"videos"}, {"simulate"},
		{"progress", "get"}, {"progress", "set"},
		{"user", "add"}, {"user", "reset-password"},
		{"db", "check"}, {"db", "vacuum"},
	}
	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"))
}

func TestServeFlags(t *testing.T) {
	cmd := NewRootCommand()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	for _, name := range []string{"addr", "media-root", "storage", "auth", "no-watch"} {
		assert.NotNil(t, serve.Flags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	testChdir(t, t.TempDir())
	_, err := execute(t, "--format", "xml", "videos")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidLogLevel(t *testing.T) {
	testChdir(t, t.TempDir())
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--log-level", "loud", "videos"})
	err := cmd.ExecuteContext(testContext(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBadConfigFile(t *testing.T) {
	testChdir(t, t.TempDir())
	_, err := execute(t, "--config", "missing.yaml", "videos")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(io.EOF))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "open", io.EOF)))
	assert.Equal(t, "open: EOF", WrapExitError(ExitCommandError, "open", io.EOF).Error())
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "0:00", formatSeconds(-3))
	assert.Equal(t, "0:24", formatSeconds(24.5))
	assert.Equal(t, "12:05", formatSeconds(725))
	assert.Equal(t, "1:02:03", formatSeconds(3723))
}
