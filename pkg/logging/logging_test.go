package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/cloudstack-vmware-agent/pkg/logging"
)

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx, closer, err := logging.New(t.Context(), logging.Options{
		Level:   "debug",
		Console: true,
		Out:     &buf,
		Fields:  map[string]string{"agent": "host-7"},
	})
	require.NoError(t, err)
	defer closer()

	logger := zerolog.Ctx(ctx)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	logger.Debug().Msg("session acquired")
	assert.Contains(t, buf.String(), "session acquired")
	assert.Contains(t, buf.String(), "host-7")
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	ctx, closer, err := logging.New(t.Context(), logging.Options{Level: "nonsense", File: true, Dir: dir})
	require.NoError(t, err)

	zerolog.Ctx(ctx).Info().Msg("worker destroyed")
	require.NoError(t, closer())

	assert.Equal(t, zerolog.InfoLevel, zerolog.Ctx(ctx).GetLevel())

	files, err := filepath.Glob(filepath.Join(dir, "hostagent.*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"worker destroyed"`)
	assert.Contains(t, string(raw), `"message":"invalid log level, using info"`)
}

func TestNoOutput(t *testing.T) {
	_, _, err := logging.New(t.Context(), logging.Options{})
	require.Error(t, err)
}
