package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BYTERELAY_TEST_PORT=7000\nBYTERELAY_TEST_WAIT=250ms\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("BYTERELAY_TEST_PORT")
		os.Unsetenv("BYTERELAY_TEST_WAIT")
	})

	LoadEnv(path)

	assert.Equal(t, "7000", GetEnv("BYTERELAY_TEST_PORT", "1"))
	assert.Equal(t, 7000, GetEnvInt("BYTERELAY_TEST_PORT", 1))
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("BYTERELAY_TEST_WAIT", time.Second))
}

func TestGettersFallBack(t *testing.T) {
	t.Setenv("BYTERELAY_TEST_BAD", "not-a-number")

	assert.Equal(t, "x", GetEnv("BYTERELAY_TEST_MISSING", "x"))
	assert.Equal(t, 5, GetEnvInt("BYTERELAY_TEST_BAD", 5))
	assert.Equal(t, time.Second, GetEnvDuration("BYTERELAY_TEST_BAD", time.Second))
}
