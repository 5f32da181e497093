//go:build unit

package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/openclaw-vmtest/internal/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger := logging.Setup(logging.Options{Level: slog.LevelInfo, Output: &buf})

	slog.Info("prepared base dir", "dir", "/tmp/openclaw-vmtest")
	logger.Info("scenario started", "scenario", "openclaw-gateway-basic")
	logger.V(1).Info("running command", "command", "id -u alice")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "V(1) must be disabled at info level")

	var fromSlog map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &fromSlog))
	assert.Equal(t, "prepared base dir", fromSlog["msg"])
	assert.Equal(t, "/tmp/openclaw-vmtest", fromSlog["dir"])

	var fromLogr map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &fromLogr))
	assert.Equal(t, "scenario started", fromLogr["msg"])
	assert.Equal(t, "openclaw-gateway-basic", fromLogr["scenario"])
}

func TestSetup_DevelopmentDebug(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger := logging.Setup(logging.Options{
		Development: true,
		Level:       slog.LevelDebug,
		Output:      &buf,
	})

	logger.V(1).Info("running command", "command", "id -u alice")
	slog.Debug("detected group", "group", "libvirt-qemu")

	out := buf.String()
	assert.Contains(t, out, "running command")
	assert.Contains(t, out, "id -u alice")
	assert.Contains(t, out, "level=DEBUG msg=\"detected group\" group=libvirt-qemu")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := logging.ParseLevel("verbose")
	assert.Error(t, err)
}
