package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/lmfetch/internal/config"
)

func TestBatchFileTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assets:
  - lang: en
  - lang: de
  - lang: fr
    data_dir: /srv/ngrams
  - lang: "../etc"
`), 0644))

	batch, err := readBatchFile(path)
	require.NoError(t, err)
	require.Len(t, batch.Assets, 4)

	cfg := config.Default()
	cfg.DataDir = "/data"
	tasks := buildTasks(cfg, batch.Assets)
	require.Len(t, tasks, 3)

	assert.Same(t, tasks[0].Manager, tasks[1].Manager)
	assert.NotSame(t, tasks[0].Manager, tasks[2].Manager)
	assert.Equal(t, "/data/en_ngrams.bin", tasks[0].Manager.TargetPath("en"))
	assert.Equal(t, "/srv/ngrams/fr_ngrams.bin", tasks[2].Manager.TargetPath("fr"))
	assert.Equal(t, "/data", cfg.DataDir)
}

func TestReadBatchFileErrors(t *testing.T) {
	_, err := readBatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("assets: [lang: {"), 0644))
	_, err = readBatchFile(bad)
	assert.Error(t, err)
}
