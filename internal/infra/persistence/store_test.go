package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optflow/internal/infra/config"
	"github.com/coachpo/optflow/internal/infra/persistence/memory"
	pebblejournal "github.com/coachpo/optflow/internal/infra/persistence/pebble"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	j, err := Open(ctx, config.JournalConfig{Driver: config.JournalMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Journal{}, j)
	require.NoError(t, j.Close())

	j, err = Open(ctx, config.JournalConfig{Driver: config.JournalPebble, Path: filepath.Join(t.TempDir(), "j")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &pebblejournal.Journal{}, j)
	require.NoError(t, j.Close())

	_, err = Open(ctx, config.JournalConfig{Driver: "sqlite"}, nil)
	assert.Error(t, err)
}
