package leafdb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBTreeGetMissingKey(t *testing.T) {
	_, tree := newTestTree()
	_, ok, err := tree.get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBTreeSetAndGet(t *testing.T) {
	_, tree := newTestTree()
	root, err := tree.set([]byte("a"), []byte("1"))
	require.NoError(t, err)
	tree.root = root

	v, ok, err := tree.get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestBTreeSetReplacesValue(t *testing.T) {
	_, tree := newTestTree()
	root, err := tree.set([]byte("k"), []byte("old"))
	require.NoError(t, err)
	tree.root = root

	root, old, hadOld, err := tree.setGetOld([]byte("k"), []byte("new"))
	require.NoError(t, err)
	assert.True(t, hadOld)
	assert.Equal(t, []byte("old"), old)
	tree.root = root

	v, ok, err := tree.get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)
}

func TestBTreeManyInsertsForceSplits(t *testing.T) {
	_, tree := newTestTree()
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("value-%05d", i))
		root, err := tree.set(key, val)
		require.NoError(t, err)
		tree.root = root
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := []byte(fmt.Sprintf("value-%05d", i))
		got, ok, err := tree.get(key)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing", key)
		assert.Equal(t, want, got)
	}
}

func TestBTreeDeleteMissingKeyIsNoop(t *testing.T) {
	_, tree := newTestTree()
	root, removed, err := tree.delete([]byte("nope"))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, tree.root, root)
}

func TestBTreeInsertDeleteRoundTrip(t *testing.T) {
	_, tree := newTestTree()
	const n = 300
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k%05d", i))
		root, err := tree.set(keys[i], []byte(fmt.Sprintf("v%05d", i)))
		require.NoError(t, err)
		tree.root = root
	}

	// Delete every other key and confirm the rest survive.
	for i := 0; i < n; i += 2 {
		root, removed, err := tree.delete(keys[i])
		require.NoError(t, err)
		require.True(t, removed)
		tree.root = root
	}

	for i := 0; i < n; i++ {
		_, ok, err := tree.get(keys[i])
		require.NoError(t, err)
		if i%2 == 0 {
			assert.False(t, ok, "key %d should be deleted", i)
		} else {
			assert.True(t, ok, "key %d should survive", i)
		}
	}
}

func TestBTreeDeleteAllKeysLeavesEmptyTree(t *testing.T) {
	_, tree := newTestTree()
	const n = 200
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k%05d", i))
		root, err := tree.set(keys[i], []byte("v"))
		require.NoError(t, err)
		tree.root = root
	}
	for i := 0; i < n; i++ {
		root, removed, err := tree.delete(keys[i])
		require.NoError(t, err)
		require.True(t, removed)
		tree.root = root
	}
	for i := 0; i < n; i++ {
		_, ok, err := tree.get(keys[i])
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestBTreeLargeValueUsesOverflow(t *testing.T) {
	access, tree := newTestTree()
	big := kb(3000)
	root, err := tree.set([]byte("bigkey"), big)
	require.NoError(t, err)
	tree.root = root

	got, ok, err := tree.get([]byte("bigkey"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, got)

	// The overflow chain occupies pages distinct from the single leaf.
	assert.Greater(t, len(access.raw), 0)
}

func TestBTreeReplacingOverflowValueFreesOldChain(t *testing.T) {
	access, tree := newTestTree()
	root, err := tree.set([]byte("k"), kb(3000))
	require.NoError(t, err)
	tree.root = root
	rawBefore := len(access.raw)
	require.Greater(t, rawBefore, 0)

	root, err = tree.set([]byte("k"), []byte("short"))
	require.NoError(t, err)
	tree.root = root

	assert.Len(t, access.raw, 0)
	v, ok, err := tree.get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("short"), v)
}

func TestBTreeReverseComparatorOrdersDescending(t *testing.T) {
	access := newMemAccess()
	root := access.allocPage()
	access.writeNode(newLeaf(root))
	tree := &btree{access: access, root: root, cmp: reverseComparator}

	for _, k := range []string{"a", "b", "c"} {
		r, err := tree.set([]byte(k), []byte(k))
		require.NoError(t, err)
		tree.root = r
	}
	cur := newCursor(tree)
	var order []string
	for k, _, ok := cur.First(); ok; k, _, ok = cur.Next() {
		order = append(order, string(k))
	}
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestFreeEntireTreeFreesEveryPage(t *testing.T) {
	access, tree := newTestTree()
	for i := 0; i < 100; i++ {
		value := kb(50)
		if i%10 == 0 {
			value = kb(3000) // exercise overflow chains too
		}
		root, err := tree.set([]byte(fmt.Sprintf("k%03d", i)), value)
		require.NoError(t, err)
		tree.root = root
	}
	require.NoError(t, freeEntireTree(access, tree.root))
	assert.Len(t, access.pages, 0)
	assert.Len(t, access.raw, 0)
}
