package migration

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)

	for {
		up, _, err := src.ReadUp(version)
		require.NoError(t, err, "version %d has no up file", version)
		body, err := io.ReadAll(up)
		up.Close()
		require.NoError(t, err)
		assert.NotEmpty(t, body)

		down, _, err := src.ReadDown(version)
		require.NoError(t, err, "version %d has no down file", version)
		down.Close()

		next, err := src.Next(version)
		if err != nil {
			break
		}
		version = next
	}
}
