package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kurodb/kuro/core/storage/page"
)

func setupDiskManager(t *testing.T) (*FileDiskManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kuro.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := Open(path, 512, true, logger)
	require.NoError(t, err)
	return dm, path
}

// TestDiskManager_CreateAndReopen verifies the header round trip: a created
// file reopens with the same page size and page count, creating over an
// existing file fails, and opening a missing one fails.
func TestDiskManager_CreateAndReopen(t *testing.T) {
	dm, path := setupDiskManager(t)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(1), id, "allocation starts past the header page")
	require.NoError(t, dm.Close())

	_, err = Open(path, 512, true, nil)
	require.ErrorIs(t, err, ErrDBFileExists)

	dm2, err := Open(path, 512, false, nil)
	require.NoError(t, err)
	defer dm2.Close()
	require.Equal(t, uint64(2), dm2.NumPages())

	_, err = Open(filepath.Join(t.TempDir(), "missing.db"), 512, false, nil)
	require.ErrorIs(t, err, ErrDBFileNotFound)
}

// TestDiskManager_PageSizeMismatch verifies reopening with a different page
// size is rejected.
func TestDiskManager_PageSizeMismatch(t *testing.T) {
	dm, path := setupDiskManager(t)
	require.NoError(t, dm.Close())

	_, err := Open(path, 1024, false, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "page size")
}

// TestDiskManager_WriteReadRoundTrip verifies page payloads survive a write,
// a sync, and a reopen.
func TestDiskManager_WriteReadRoundTrip(t *testing.T) {
	dm, path := setupDiskManager(t)

	id, err := dm.AllocatePage()
	require.NoError(t, err)

	out := make([]byte, 512)
	copy(out, []byte("some page payload"))
	require.NoError(t, dm.WritePage(id, out))
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.Close())

	dm2, err := Open(path, 512, false, nil)
	require.NoError(t, err)
	defer dm2.Close()

	in := make([]byte, 512)
	require.NoError(t, dm2.ReadPage(id, in))
	require.Equal(t, out, in)
}

// TestDiskManager_DeallocateReuse verifies a deallocated page id is handed
// out again before the file grows.
func TestDiskManager_DeallocateReuse(t *testing.T) {
	dm, _ := setupDiskManager(t)
	defer dm.Close()

	id1, err := dm.AllocatePage()
	require.NoError(t, err)
	id2, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	before := dm.NumPages()

	require.NoError(t, dm.DeallocatePage(id1))
	id3, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, id1, id3, "freed page is reused")
	require.Equal(t, before, dm.NumPages(), "reuse does not grow the file")
}

// TestDiskManager_Bounds verifies invalid ids and wrong buffer sizes are
// rejected before any file access.
func TestDiskManager_Bounds(t *testing.T) {
	dm, _ := setupDiskManager(t)
	defer dm.Close()

	buf := make([]byte, 512)
	require.ErrorIs(t, dm.ReadPage(page.InvalidPageID, buf), ErrInvalidPageID)
	require.ErrorIs(t, dm.ReadPage(page.PageID(99), buf), ErrInvalidPageID)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Error(t, dm.WritePage(id, make([]byte, 100)))
}
