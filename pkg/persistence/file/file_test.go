package file

import (
	"path/filepath"
	"testing"

	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	// Test with regular path
	fp := NewPersistence("/tmp/test")
	assert.Equal(t, "/tmp/test", fp.Root())

	// Test with file:// prefix
	fp = NewPersistence("file:///tmp/test")
	assert.Equal(t, "/tmp/test", fp.Root())
}

func TestPersistence_Conformance(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Store {
		return NewPersistence(t.TempDir())
	})
}

func TestPersistence_PutCreatesFile(t *testing.T) {
	testDir := t.TempDir()
	fp := NewPersistence(testDir)

	err := fp.Put(t.Context(), "workflows", "test-workflow", []byte(`{"id":"test-workflow"}`))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(testDir, "workflows", "test-workflow.json"))
}

func TestPersistence_HealthCheckCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "data")
	fp := NewPersistence(root)

	require.NoError(t, fp.HealthCheck(t.Context()))
	assert.DirExists(t, root)
}

func TestPersistence_Close(t *testing.T) {
	fp := NewPersistence(t.TempDir())

	assert.NoError(t, fp.Close(t.Context()))
}
