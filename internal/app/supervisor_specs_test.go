package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSpecsFromYAML_ParsesAndAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specs.yaml")
	content := `
- queue: ai_processing
  script_to_run: aiworker
  max_concurrent: 4
  cool_down_seconds: 15
  max_runtime_seconds: 120
- queue: supabase_upload
  script_to_run: storeworker
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	specs, err := LoadSpecsFromYAML(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, QueueWorkerSpec{
		Queue: "ai_processing", Binary: "aiworker",
		MaxConcurrent: 4, CoolDown: 15 * time.Second, MaxRuntime: 2 * time.Minute,
	}, specs[0])

	assert.Equal(t, "supabase_upload", specs[1].Queue)
	assert.Equal(t, 1, specs[1].MaxConcurrent)
	assert.Equal(t, 10*time.Second, specs[1].CoolDown)
	assert.Equal(t, 10*time.Minute, specs[1].MaxRuntime)
}

func TestLoadSpecsFromYAML_MissingFileErrors(t *testing.T) {
	_, err := LoadSpecsFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadSpecsFromYAML_RejectsEntryWithoutQueueOrBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- script_to_run: aiworker\n"), 0o644))

	_, err := LoadSpecsFromYAML(path)
	assert.Error(t, err)
}
