package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plain(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	off := false
	return New(Options{Level: level, Writer: buf, Color: &off, TimeFormat: "-"})
}

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelInfo)

	log.Info("http request", "method", "GET", "status", 200, "duration", 1500*time.Millisecond, "path", "/a b")
	assert.Equal(t, `level=INFO msg="http request" method=GET status=200 duration=1.5s path="/a b"`+"\n", buf.String())
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelWarn)

	log.Info("hidden")
	log.Debug("hidden")
	log.Warn("shown", "err", errors.New("disk full"))
	assert.Equal(t, `level=WARN msg="shown" err="disk full"`+"\n", buf.String())
}

func TestWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelDebug).With("session", "s1").WithGroup("guard")

	log.Debug("seek", "target", 51.5, slog.Group("wm", "value", 50))
	assert.Equal(t, `level=DEBUG msg="seek" session=s1 guard.target=51.5 guard.wm.value=50`+"\n", buf.String())
}

func TestColorOutput(t *testing.T) {
	var buf bytes.Buffer
	on := true
	log := New(Options{Writer: &buf, Color: &on, TimeFormat: "-"})
	log.Error("boom")
	assert.Contains(t, buf.String(), "\x1b[31mlevel=ERROR")
}

func TestTimeField(t *testing.T) {
	var buf bytes.Buffer
	off := false
	log := New(Options{Writer: &buf, Color: &off})
	log.Info("x")
	require.True(t, strings.HasPrefix(buf.String(), "time="))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
