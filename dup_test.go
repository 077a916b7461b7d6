package leafdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDupPutSingleValueStoresInline(t *testing.T) {
	access, tree := newTestTree()
	root, err := dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root

	vals, ok, err := dupGetAll(access, tree, byteComparator, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("v1")}, vals)
}

func TestDupPutSecondValuePromotesToSubtree(t *testing.T) {
	access, tree := newTestTree()
	root, err := dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root

	root, err = dupPut(access, tree, byteComparator, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	tree.root = root

	vals, ok, err := dupGetAll(access, tree, byteComparator, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("v1"), []byte("v2")}, vals)
}

func TestDupPutDuplicatePairIsNoop(t *testing.T) {
	access, tree := newTestTree()
	root, err := dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root
	root, err = dupPut(access, tree, byteComparator, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	tree.root = root

	root, err = dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root

	vals, _, err := dupGetAll(access, tree, byteComparator, []byte("k"))
	require.NoError(t, err)
	assert.Len(t, vals, 2)
}

func TestDupPutManyValuesSortedOrder(t *testing.T) {
	access, tree := newTestTree()
	values := []string{"d", "b", "a", "c", "e"}
	var root PageID
	var err error
	for _, v := range values {
		root, err = dupPut(access, tree, byteComparator, []byte("k"), []byte(v))
		require.NoError(t, err)
		tree.root = root
	}

	vals, ok, err := dupGetAll(access, tree, byteComparator, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	var got []string
	for _, v := range vals {
		got = append(got, string(v))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestDupDeleteDemotesToInlineAtOneRemaining(t *testing.T) {
	access, tree := newTestTree()
	root, err := dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root
	root, err = dupPut(access, tree, byteComparator, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	tree.root = root

	root, removed, err := dupDelete(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, removed)
	tree.root = root

	leaf, err := tree.findLeaf([]byte("k"), 0)
	require.NoError(t, err)
	idx, ok := findKey(leaf.keys, []byte("k"), tree.cmp)
	require.True(t, ok)
	assert.False(t, leaf.dup[idx], "single remaining duplicate should be stored inline")

	vals, _, err := dupGetAll(access, tree, byteComparator, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("v2")}, vals)
}

func TestDupDeleteLastValueRemovesKey(t *testing.T) {
	access, tree := newTestTree()
	root, err := dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root

	root, removed, err := dupDelete(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, removed)
	tree.root = root

	_, ok, err := dupGetAll(access, tree, byteComparator, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDupDeleteDemoteFreesAbandonedSubtree(t *testing.T) {
	access, tree := newTestTree()
	root, err := dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root
	root, err = dupPut(access, tree, byteComparator, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	tree.root = root

	pagesBeforeDelete := len(access.pages)

	root, removed, err := dupDelete(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, removed)
	tree.root = root

	// Demoting back to an inline value must free the now-unreachable
	// sub-tree leaf, not just drop the in-memory reference to it.
	assert.Less(t, len(access.pages), pagesBeforeDelete, "demotion should free the sub-tree's leaf page")
}

func TestDupDeleteNonexistentPairIsNoop(t *testing.T) {
	access, tree := newTestTree()
	root, err := dupPut(access, tree, byteComparator, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tree.root = root

	root, removed, err := dupDelete(access, tree, byteComparator, []byte("k"), []byte("missing"))
	require.NoError(t, err)
	assert.False(t, removed)
	tree.root = root

	vals, _, err := dupGetAll(access, tree, byteComparator, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("v1")}, vals)
}

func TestDupReverseDupComparatorOrdersDescending(t *testing.T) {
	access, tree := newTestTree()
	values := []string{"a", "b", "c"}
	var root PageID
	var err error
	for _, v := range values {
		root, err = dupPut(access, tree, reverseComparator, []byte("k"), []byte(v))
		require.NoError(t, err)
		tree.root = root
	}
	vals, _, err := dupGetAll(access, tree, reverseComparator, []byte("k"))
	require.NoError(t, err)
	var got []string
	for _, v := range vals {
		got = append(got, string(v))
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)
}
