package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGlobalEntryPointsBeforeInit(t *testing.T) {
	require.Nil(t, Default())

	// Every entry point fails the single operation, quietly.
	assert.Nil(t, Malloc(64))
	Free(nil)
	assert.Nil(t, Realloc(nil, 64))
	assert.Nil(t, Calloc(2, 8))
	UpdateAccess(nil)
	SetStalenessThresholdSeconds(1)

	allocs, frees, mem := GetStats()
	assert.Zero(t, allocs)
	assert.Zero(t, frees)
	assert.Zero(t, mem)
}

func TestGlobalLifecycle(t *testing.T) {
	config := DefaultConfig()
	config.Name = "global-test"
	config.EnableSharedMemory = false
	config.EnableScanner = false

	a, err := Init(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer Shutdown()

	// Init is idempotent.
	again, err := Init(nil, nil)
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Same(t, a, Default())

	p := Malloc(64)
	require.NotNil(t, p)
	UpdateAccess(p)
	Free(p)

	allocs, frees, mem := GetStats()
	assert.Equal(t, uint64(1), allocs)
	assert.Equal(t, uint64(1), frees)
	assert.Zero(t, mem)

	SetStalenessThreshold(2 * time.Second)
	assert.Equal(t, 2*time.Second, a.StalenessThreshold())

	require.NoError(t, Shutdown())
	assert.Nil(t, Default())
	require.NoError(t, Shutdown(), "second shutdown is a no-op")
}
