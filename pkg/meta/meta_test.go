package meta

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zedtree/pkg/attrinfo"
	"zedtree/pkg/storage"
)

func TestOpenCreatesRootLeaf(t *testing.T) {
	dir := t.TempDir()
	bm, err := storage.Open(filepath.Join(dir, "attr.tree"))
	require.NoError(t, err)
	defer bm.Close()

	attr := attrinfo.Descriptor{Len: 8, ByVal: true}
	s, err := Open(bm, attr)
	require.NoError(t, err)

	root, err := s.GetRoot()
	require.NoError(t, err)
	require.NotEqual(t, storage.InvalidBlock, root)

	page, err := bm.Pin(root)
	require.NoError(t, err)
	defer bm.Unpin(root)
	require.True(t, page.Opaque.Flags.Has(storage.FlagRoot))
	require.Equal(t, storage.PageKindLeaf, page.Opaque.Kind)
}

func TestUpdateRootPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attr.tree")
	attr := attrinfo.Descriptor{Len: 4, ByVal: true}

	bm, err := storage.Open(path)
	require.NoError(t, err)
	s, err := Open(bm, attr)
	require.NoError(t, err)

	newRootID, _, err := bm.Allocate(storage.PageKindLeaf, 0, attr.Len)
	require.NoError(t, err)
	bm.Unlock(newRootID, storage.LockExclusive)
	bm.Unpin(newRootID)
	require.NoError(t, bm.Flush(newRootID))

	require.NoError(t, s.UpdateRoot(newRootID))
	require.NoError(t, bm.Close())

	bm2, err := storage.Open(path)
	require.NoError(t, err)
	defer bm2.Close()
	s2, err := Open(bm2, attr)
	require.NoError(t, err)
	root, err := s2.GetRoot()
	require.NoError(t, err)
	require.Equal(t, newRootID, root)
}

func TestOpenDescriptorMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attr.tree")

	bm, err := storage.Open(path)
	require.NoError(t, err)
	_, err = Open(bm, attrinfo.Descriptor{Len: 8, ByVal: true})
	require.NoError(t, err)
	require.NoError(t, bm.Close())

	bm2, err := storage.Open(path)
	require.NoError(t, err)
	defer bm2.Close()
	_, err = Open(bm2, attrinfo.Descriptor{Len: 4, ByVal: true})
	require.ErrorIs(t, err, ErrDescriptorMismatch)
}
