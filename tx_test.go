package leafdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDatabaseIsIdempotent(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		first, err := tx.CreateDatabase("things", FlagDupSort)
		require.NoError(t, err)
		second, err := tx.CreateDatabase("things", 0)
		require.NoError(t, err)
		assert.Equal(t, first.info.Root, second.info.Root)
		assert.True(t, second.info.isDupSort(), "flags of an existing database are not overwritten by a later create call")
		return nil
	}))
}

func TestCreateDatabaseRejectsEmptyName(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		_, err := tx.CreateDatabase("", 0)
		assert.ErrorIs(t, err, ErrInvalidParameter)
		return nil
	}))
}

func TestDropDatabaseMissingNameErrors(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		err := tx.DropDatabase("nope")
		assert.ErrorIs(t, err, ErrBucketNotFound)
		return nil
	}))
}

func TestAbortReturnsAllocatedPagesToPool(t *testing.T) {
	env := openTestEnv(t)
	// Seed and delete so there is a reusable page pool to consume.
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		return db.Put([]byte("a"), kb(100))
	}))
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		return db.Delete([]byte("a"))
	}))
	freeBefore := len(env.freeList.free)
	require.Greater(t, freeBefore, 0)

	tx, err := env.WriteTx()
	require.NoError(t, err)
	db, err := tx.Database("")
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("b"), []byte("v")))
	require.Greater(t, len(tx.allocatedFromFree), 0)

	tx.Rollback()
	assert.Equal(t, freeBefore, len(env.freeList.free), "rollback should return pages popped from the free pool")
}

func TestRollbackOnReadTxReleasesReaderSlot(t *testing.T) {
	env := openTestEnv(t)
	tx, err := env.ReadTx()
	require.NoError(t, err)
	assert.Equal(t, 1, env.readers.occupied())
	tx.Rollback()
	assert.Equal(t, 0, env.readers.occupied())
}

func TestCommitOnClosedTxErrors(t *testing.T) {
	env := openTestEnv(t)
	tx, err := env.ReadTx()
	require.NoError(t, err)
	tx.Rollback()
	assert.ErrorIs(t, tx.Commit(), ErrTxClosed)
}

func TestListDatabasesOrdersByName(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.CreateDatabase("zebra", 0))
	require.NoError(t, env.CreateDatabase("apple", 0))
	require.NoError(t, env.CreateDatabase("mango", 0))

	names, err := env.ListDatabases()
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "mango", "zebra"}, names)
}
