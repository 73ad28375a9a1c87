//go:build linux

package shm

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	return fmt.Sprintf("/memtrace_shm_test_%d_%s", os.Getpid(), t.Name())
}

func TestOpenCreatesZeroedRegion(t *testing.T) {
	name := testName(t)
	defer Unlink(name)

	r, err := Open(name, 4096)
	require.NoError(t, err)
	defer r.Close()

	require.Len(t, r.Bytes(), 4096)
	for i, b := range r.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
	assert.Equal(t, name, r.Name())
}

func TestWritesVisibleAcrossMappings(t *testing.T) {
	name := testName(t)
	defer Unlink(name)

	w, err := Open(name, 4096)
	require.NoError(t, err)
	defer w.Close()

	ro, err := OpenReadOnly(name, 4096)
	require.NoError(t, err)
	defer ro.Close()

	w.Bytes()[123] = 0xAB
	assert.Equal(t, byte(0xAB), ro.Bytes()[123], "mappings of the same name must alias")
}

func TestUnlinkRemovesName(t *testing.T) {
	name := testName(t)

	r, err := Open(name, 4096)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	require.NoError(t, Unlink(name))
	assert.Error(t, Unlink(name), "second unlink must fail: name is gone")
}

func TestBadNamesRejected(t *testing.T) {
	for _, name := range []string{"", "/", "noslash", "/nested/name"} {
		_, err := Open(name, 4096)
		assert.ErrorIs(t, err, ErrBadName, "name %q", name)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	name := testName(t)
	defer Unlink(name)

	r, err := Open(name, 4096)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
