package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_EmptyFileListHasStableRoot(t *testing.T) {
	tree, err := Build(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tree.Root)

	again, err := Build([]FileEntry{})
	require.NoError(t, err)
	assert.Equal(t, tree.Root, again.Root)
}

func TestBuild_RootIsIndependentOfInputOrder(t *testing.T) {
	files := []FileEntry{
		{Path: "b.go", SHA256: "bb", Bytes: 20},
		{Path: "a.go", SHA256: "aa", Bytes: 10},
		{Path: "c.go", SHA256: "cc", Bytes: 30},
	}
	reordered := []FileEntry{files[2], files[0], files[1]}

	tree, err := Build(files)
	require.NoError(t, err)
	other, err := Build(reordered)
	require.NoError(t, err)

	assert.Equal(t, tree.Root, other.Root)
}

func TestBuild_RootChangesWhenAFileHashChanges(t *testing.T) {
	base := []FileEntry{
		{Path: "a.go", SHA256: "aa", Bytes: 10},
		{Path: "b.go", SHA256: "bb", Bytes: 20},
	}
	tampered := []FileEntry{
		{Path: "a.go", SHA256: "aa", Bytes: 10},
		{Path: "b.go", SHA256: "ff", Bytes: 20},
	}

	tree, err := Build(base)
	require.NoError(t, err)
	other, err := Build(tampered)
	require.NoError(t, err)

	assert.NotEqual(t, tree.Root, other.Root)
}

func TestBuild_OddLeafCountDuplicatesLastHash(t *testing.T) {
	files := []FileEntry{
		{Path: "a.go", SHA256: "aa", Bytes: 10},
		{Path: "b.go", SHA256: "bb", Bytes: 20},
		{Path: "c.go", SHA256: "cc", Bytes: 30},
	}
	tree, err := Build(files)
	require.NoError(t, err)
	require.NotEmpty(t, tree.Levels)

	firstLevel := tree.Levels[0]
	require.Len(t, firstLevel, 3)
	assert.NotEmpty(t, tree.Root)
}

func TestBuild_SinglePathProducesLeafAsRoot(t *testing.T) {
	tree, err := Build([]FileEntry{{Path: "only.go", SHA256: "aa", Bytes: 1}})
	require.NoError(t, err)
	require.Len(t, tree.Leaves, 1)
	assert.Equal(t, tree.Leaves[0].LeafHash, tree.Root)
}
