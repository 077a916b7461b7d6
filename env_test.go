package leafdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) *Environment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leafdb.db")
	env, err := Open(path, Options{MapSize: 4 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenCreatesFreshEnvironment(t *testing.T) {
	env := openTestEnv(t)
	stat := env.Stat()
	assert.Equal(t, TxnID(0), stat.LastTxnID)
}

func TestUpdateAndViewRoundTrip(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, err := tx.Database("")
		if err != nil {
			return err
		}
		return db.Put([]byte("hello"), []byte("world"))
	}))

	require.NoError(t, env.View(func(tx *Tx) error {
		db, err := tx.Database("")
		if err != nil {
			return err
		}
		v, ok, err := db.Get([]byte("hello"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("world"), v)
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	env := openTestEnv(t)
	sentinel := assert.AnError
	err := env.Update(func(tx *Tx) error {
		db, err := tx.Database("")
		require.NoError(t, err)
		require.NoError(t, db.Put([]byte("k"), []byte("v")))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	require.NoError(t, env.View(func(tx *Tx) error {
		db, err := tx.Database("")
		require.NoError(t, err)
		_, ok, err := db.Get([]byte("k"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestReadTxSeesSnapshotNotLaterWrites(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		return db.Put([]byte("k"), []byte("v1"))
	}))

	reader, err := env.ReadTx()
	require.NoError(t, err)
	defer reader.Rollback()

	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		return db.Put([]byte("k"), []byte("v2"))
	}))

	db, err := reader.Database("")
	require.NoError(t, err)
	v, ok, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v, "reader snapshot must not observe the later write")
}

func TestWriteTxSerializesWriters(t *testing.T) {
	env := openTestEnv(t)
	tx1, err := env.WriteTx()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tx2, err := env.WriteTx()
		require.NoError(t, err)
		tx2.Rollback()
		close(done)
	}()

	// tx1 still holds the write lock; commit releases it and unblocks tx2.
	require.NoError(t, tx1.Commit())
	<-done
}

func TestCreateDropListDatabases(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.CreateDatabase("users", 0))
	require.NoError(t, env.CreateDatabase("sessions", FlagDupSort))

	names, err := env.ListDatabases()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users", "sessions"}, names)

	require.NoError(t, env.DropDatabase("users"))
	names, err = env.ListDatabases()
	require.NoError(t, err)
	assert.Equal(t, []string{"sessions"}, names)
}

func TestCommitDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leafdb.db")
	env, err := Open(path, Options{MapSize: 4 << 20})
	require.NoError(t, err)
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		return db.Put([]byte("durable"), []byte("yes"))
	}))
	require.NoError(t, env.Close())

	reopened, err := Open(path, Options{MapSize: 4 << 20})
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.View(func(tx *Tx) error {
		db, err := tx.Database("")
		require.NoError(t, err)
		v, ok, err := db.Get([]byte("durable"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("yes"), v)
		return nil
	}))
}

func TestFreelistReusesPagesAcrossCommits(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		for i := 0; i < 50; i++ {
			if err := db.Put(kb(4+i%3), kb(100)); err != nil {
				return err
			}
		}
		return nil
	}))
	statBefore := env.Stat()

	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		for i := 0; i < 50; i++ {
			if err := db.Delete(kb(4 + i%3)); err != nil {
				return err
			}
		}
		return nil
	}))

	// Deletes with no active reader should make pages reusable rather than
	// growing the file further on the next write.
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		return db.Put([]byte("new"), []byte("v"))
	}))
	statAfter := env.Stat()
	assert.LessOrEqual(t, statAfter.LastPage, statBefore.LastPage+2)
}

func TestWriteBeyondMapSizeReturnsErrMapFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leafdb.db")
	// A tiny map: a handful of pages beyond the fixed bootstrap pages, not
	// nearly enough to hold the inserts below.
	env, err := Open(path, Options{MapSize: 16 * PageSize})
	require.NoError(t, err)
	defer env.Close()

	err = env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		for i := 0; i < 200; i++ {
			if err := db.Put(kb(8+i%4), kb(200)); err != nil {
				return err
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrMapFull)

	// The failed transaction must not have been published: a fresh read
	// should still see an empty main database.
	require.NoError(t, env.View(func(tx *Tx) error {
		db, err := tx.Database("")
		require.NoError(t, err)
		assert.True(t, db.IsEmpty())
		return nil
	}))
}

func TestReadOnlyEnvironmentRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leafdb.db")
	env, err := Open(path, Options{MapSize: 4 << 20})
	require.NoError(t, err)
	require.NoError(t, env.Close())

	ro, err := Open(path, Options{MapSize: 4 << 20, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.WriteTx()
	assert.ErrorIs(t, err, ErrTxReadOnly)
}

func TestCopyToRawProducesIndependentCopy(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		db, _ := tx.Database("")
		return db.Put([]byte("k"), []byte("v"))
	}))

	dst := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, env.CopyTo(dst, false))

	copyEnv, err := Open(dst, Options{MapSize: 4 << 20})
	require.NoError(t, err)
	defer copyEnv.Close()
	require.NoError(t, copyEnv.View(func(tx *Tx) error {
		db, err := tx.Database("")
		require.NoError(t, err)
		v, ok, err := db.Get([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v"), v)
		return nil
	}))
}

func TestCopyToCompactPreservesAllDatabases(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.CreateDatabase("extra", FlagDupSort))
	require.NoError(t, env.Update(func(tx *Tx) error {
		main, _ := tx.Database("")
		if err := main.Put([]byte("mk"), []byte("mv")); err != nil {
			return err
		}
		extra, err := tx.Database("extra")
		if err != nil {
			return err
		}
		if err := extra.PutDup([]byte("k"), []byte("v1")); err != nil {
			return err
		}
		return extra.PutDup([]byte("k"), []byte("v2"))
	}))

	dst := filepath.Join(t.TempDir(), "compact.db")
	require.NoError(t, env.CopyTo(dst, true))

	copyEnv, err := Open(dst, Options{MapSize: 4 << 20})
	require.NoError(t, err)
	defer copyEnv.Close()

	require.NoError(t, copyEnv.View(func(tx *Tx) error {
		main, err := tx.Database("")
		require.NoError(t, err)
		v, ok, err := main.Get([]byte("mk"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("mv"), v)

		extra, err := tx.Database("extra")
		require.NoError(t, err)
		vals, ok, err := extra.GetAll([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.ElementsMatch(t, [][]byte{[]byte("v1"), []byte("v2")}, vals)
		return nil
	}))
}
