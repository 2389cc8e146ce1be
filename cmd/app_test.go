package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/evilwatch/internal/search"
)

func TestOpenIndexFallsBackWhenBleveIsHeld(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Database: DatabaseConfig{Path: filepath.Join(dir, "threats.db")},
		Search:   SearchConfig{Backend: search.BackendBleve},
	}

	server := &app{cfg: cfg}
	defer server.close()
	idx, err := server.openIndex()
	require.NoError(t, err)
	assert.Equal(t, search.BackendBleve, idx.Backend())
	assert.DirExists(t, filepath.Join(dir, "threats.bleve"))

	cli := &app{cfg: cfg}
	defer cli.close()
	idx, err = cli.openIndex()
	require.NoError(t, err)
	assert.Equal(t, search.BackendFTS, idx.Backend())
}
