package leafdb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures an Environment at Open time.
type Options struct {
	// MapSize is the maximum size, in bytes, the data file may grow to.
	// Only whole pages count: a trailing partial page is never allocated.
	MapSize int64
	// MaxReaders bounds the number of concurrent read transactions.
	MaxReaders int
	// MaxDatabases is the configured bound on named databases, in addition
	// to the always-present main database. It is kept in Options only:
	// CreateDatabase does not check it, so the catalog is not limited by it.
	MaxDatabases int
	// Sync controls the durability policy applied after every commit.
	Sync SyncMode
	// Logger receives structured events for opens, commits, and aborts.
	// A nil Logger (the zero value) disables logging.
	Logger *zerolog.Logger
	// MetricsNamespace prefixes every collector returned by
	// Environment.Metrics().Collectors(); empty uses the default.
	MetricsNamespace string
	// ReadOnly opens the environment without ever admitting a writer;
	// WriteTx returns ErrTxReadOnly.
	ReadOnly bool
}

// DefaultOptions returns the values Open substitutes for a non-positive
// MapSize, MaxReaders or MaxDatabases and an empty MetricsNamespace. Sync is
// taken as given, so a zero Sync passed to Open means NoSync, not the
// FullSync listed here.
func DefaultOptions() Options {
	return Options{
		MapSize:          1 << 30, // 1 GiB
		MaxReaders:       126,
		MaxDatabases:     128,
		Sync:             FullSync,
		MetricsNamespace: "leafdb",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MapSize <= 0 {
		o.MapSize = d.MapSize
	}
	if o.MaxReaders <= 0 {
		o.MaxReaders = d.MaxReaders
	}
	if o.MaxDatabases <= 0 {
		o.MaxDatabases = d.MaxDatabases
	}
	if o.MetricsNamespace == "" {
		o.MetricsNamespace = d.MetricsNamespace
	}
	return o
}

func (o Options) minPages() int {
	pages := int(o.MapSize / PageSize)
	if pages < int(mainDBRootPage)+1 {
		pages = int(mainDBRootPage) + 1
	}
	return pages
}

// Environment is an open database file: one pager, one free-list, one
// reader table, and the single writer slot guarded by writeMu. All
// read/write transactions are obtained from it.
type Environment struct {
	path string
	opts Options
	log  zerolog.Logger

	store *pageStore

	metaMu     sync.RWMutex
	meta       meta
	metaPageID PageID

	writeMu sync.Mutex
	readers *readerTable
	// freeList is shared, mutable state the single admitted writer reads
	// and writes directly during its transaction (safe because writeMu
	// serializes writers); reclaim() is called at commit time.
	freeList *freelist

	metrics *Metrics

	closed bool
}

// Open opens (creating if necessary) the database file at path.
func Open(path string, opts Options) (*Environment, error) {
	opts = opts.withDefaults()
	var baseLogger zerolog.Logger
	if opts.Logger != nil {
		baseLogger = *opts.Logger
	} else {
		baseLogger = zerolog.Nop()
	}

	fresh := false
	if fi, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("leafdb: stat %s: %w", path, err)
		}
		fresh = true
	} else if fi.Size() == 0 {
		fresh = true
	}

	store, err := openPageStore(path, opts.minPages())
	if err != nil {
		return nil, err
	}

	env := &Environment{
		path:     path,
		opts:     opts,
		log:      baseLogger.With().Str("component", "leafdb").Str("path", path).Logger(),
		store:    store,
		readers:  newReaderTable(opts.MaxReaders),
		freeList: newFreelist(),
		metrics:  newMetrics(opts.MetricsNamespace),
	}

	if fresh {
		if err := env.bootstrap(); err != nil {
			store.close()
			return nil, err
		}
	} else {
		if err := env.loadExisting(); err != nil {
			store.close()
			return nil, err
		}
	}

	env.log.Info().Uint64("last_txn_id", uint64(env.meta.lastTxnID)).Msg("environment opened")
	return env, nil
}

// bootstrap initializes a brand-new file: two identical meta pages, an
// empty main database rooted at mainDBRootPage, and an empty free database
// rooted at freeDBRootPage.
func (env *Environment) bootstrap() error {
	mainRoot := newLeaf(mainDBRootPage)
	freeRoot := newLeaf(freeDBRootPage)
	for _, n := range []*node{mainRoot, freeRoot} {
		buf, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := env.store.writePage(n.id, buf); err != nil {
			return err
		}
	}

	m := meta{
		magic:      metaMagic,
		version:    metaVersion,
		pageSize:   PageSize,
		maxReaders: uint32(env.opts.MaxReaders),
		lastPage:   mainDBRootPage,
		lastTxnID:  0,
		mapSize:    uint64(env.opts.MapSize),
		main:       DbInfo{Root: mainDBRootPage, Depth: 1, LeafPages: 1},
		free:       DbInfo{Root: freeDBRootPage, Depth: 1, LeafPages: 1},
	}
	for _, slot := range []PageID{metaPageA, metaPageB} {
		m.self = slot
		if err := env.store.writePage(slot, encodeMeta(m)); err != nil {
			return err
		}
	}
	if err := env.store.sync(FullSync); err != nil {
		return err
	}
	env.meta = m
	env.metaPageID = metaPageA
	return nil
}

// loadExisting reads both meta pages of a pre-existing file, validates
// them, and picks the authoritative one, then replays the persisted
// free-list into memory.
func (env *Environment) loadExisting() error {
	bufA, err := env.store.readPage(metaPageA)
	if err != nil {
		return err
	}
	bufB, err := env.store.readPage(metaPageB)
	if err != nil {
		return err
	}
	metaA, okA, errA := decodeMeta(bufA)
	metaB, okB, errB := decodeMeta(bufB)
	if errA != nil && !okA {
		return errA
	}
	if errB != nil && !okB {
		return errB
	}
	chosen, slot, err := chooseMeta(okA, metaA, okB, metaB)
	if err != nil {
		return err
	}
	env.meta = chosen
	env.metaPageID = slot

	entries, err := env.loadFreelistEntries()
	if err != nil {
		return err
	}
	env.freeList.load(entries)
	return nil
}

func (env *Environment) loadFreelistEntries() (map[TxnID][]PageID, error) {
	tree := &btree{access: env.readOnlyAccess(), root: env.meta.free.Root, cmp: byteComparator}
	cur := newCursor(tree)
	entries := make(map[TxnID][]PageID)
	for k, v, ok := cur.First(); ok; k, v, ok = cur.Next() {
		entries[decodeFreelistKey(k)] = decodeFreelistValue(v)
	}
	return entries, nil
}

// readOnlyAccess builds a pageAccess bound to the environment's current
// meta, for bootstrap-time reads (e.g. replaying the free list) that don't
// need a full reader-table slot.
func (env *Environment) readOnlyAccess() pageAccess {
	return &Tx{env: env, writable: false, meta: env.meta}
}

// Close flushes and releases the underlying file. It does not wait for any
// in-flight transaction; the caller is responsible for ensuring none are
// open.
func (env *Environment) Close() error {
	if env.closed {
		return nil
	}
	env.closed = true
	env.log.Info().Msg("environment closing")
	return env.store.close()
}

// ReadTx begins a read-only transaction against the most recently
// committed snapshot.
func (env *Environment) ReadTx() (*Tx, error) {
	if env.closed {
		return nil, ErrDatabaseNotOpen
	}
	env.metaMu.RLock()
	snapshot := env.meta
	env.metaMu.RUnlock()

	slot, err := env.readers.acquire(snapshot.lastTxnID)
	if err != nil {
		return nil, err
	}
	env.metrics.ReaderSlots.Set(float64(env.readers.occupied()))
	return &Tx{env: env, writable: false, id: snapshot.lastTxnID, meta: snapshot, readerSlot: slot}, nil
}

// WriteTx begins the single admitted write transaction, blocking until any
// prior writer has committed or rolled back.
func (env *Environment) WriteTx() (*Tx, error) {
	if env.closed {
		return nil, ErrDatabaseNotOpen
	}
	if env.opts.ReadOnly {
		return nil, ErrTxReadOnly
	}
	env.writeMu.Lock()
	env.metaMu.RLock()
	snapshot := env.meta
	env.metaMu.RUnlock()

	tx := &Tx{
		env:         env,
		writable:    true,
		id:          snapshot.lastTxnID + 1,
		meta:        snapshot,
		dirty:       make(map[PageID]*node),
		dbs:         make(map[string]DbInfo),
		pendingMark: len(env.freeList.pending),
	}
	return tx, nil
}

// View runs fn against a fresh read transaction, always releasing it
// afterward.
func (env *Environment) View(fn func(tx *Tx) error) error {
	tx, err := env.ReadTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn against a fresh write transaction, committing if fn
// returns nil and rolling back otherwise.
func (env *Environment) Update(fn func(tx *Tx) error) error {
	tx, err := env.WriteTx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// commit durably publishes tx's dirty pages and catalog state, following
// the dual meta-page protocol: write every dirty page, write the updated
// meta into whichever slot isn't currently authoritative, apply the
// configured sync policy, then swap env's view of the authoritative slot.
func (env *Environment) commit(tx *Tx) error {
	start := time.Now()

	// Bail before mutating any shared free-list state if the write's own
	// allocations already overran the map.
	if tx.mapFull != nil {
		return ErrMapFull
	}

	if err := env.persistFreelist(tx); err != nil {
		return err
	}

	// Free-list persistence can itself allocate pages (rewriting the free
	// database's tree), so re-check after it runs.
	if tx.mapFull != nil || atMapLimit(tx.meta.lastPage, tx.meta.mapSize) {
		return ErrMapFull
	}

	if err := env.store.grow(int(tx.meta.lastPage) + 1); err != nil {
		return err
	}
	for id, n := range tx.dirty {
		buf, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := env.store.writePage(id, buf); err != nil {
			return err
		}
	}
	for id, buf := range tx.dirtyRaw {
		if err := env.store.writePage(id, buf); err != nil {
			return err
		}
	}

	newTxnID := tx.env.meta.lastTxnID + 1
	tx.meta.lastTxnID = newTxnID

	targetSlot := otherMetaPage(env.metaPageID)
	tx.meta.self = targetSlot
	if err := env.store.writePage(targetSlot, encodeMeta(tx.meta)); err != nil {
		return err
	}
	if err := env.store.sync(env.opts.Sync); err != nil {
		return err
	}

	env.metaMu.Lock()
	env.meta = tx.meta
	env.metaPageID = targetSlot
	env.metaMu.Unlock()

	env.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	env.metrics.DirtyPages.Set(float64(len(tx.dirty) + len(tx.dirtyRaw)))
	env.metrics.FreePages.Set(float64(len(env.freeList.free)))
	env.metrics.Commits.Inc()
	env.log.Debug().
		Uint64("txn_id", uint64(newTxnID)).
		Int("dirty_pages", len(tx.dirty)+len(tx.dirtyRaw)).
		Msg("commit")
	return nil
}

// persistFreelist moves this writer's pending frees into its own txnFree
// bucket, reclaims whatever is now older than every active reader, and
// rewrites the free database to match, before the rest of commit() touches
// disk.
func (env *Environment) persistFreelist(tx *Tx) error {
	newTxnID := tx.env.meta.lastTxnID + 1
	env.freeList.publish(newTxnID)

	before := make(map[TxnID]bool, len(env.freeList.txnFree))
	for txid := range env.freeList.txnFree {
		before[txid] = true
	}

	oldest, hasReaders := env.readers.oldestTxnID()
	env.freeList.reclaim(oldest, hasReaders)

	tree := &btree{access: tx, root: tx.meta.free.Root, cmp: byteComparator}
	for txid := range before {
		if _, still := env.freeList.txnFree[txid]; !still {
			newRoot, _, err := tree.delete(freelistKey(txid))
			if err != nil {
				return err
			}
			tree.root = newRoot
		}
	}
	snapshot := env.freeList.snapshotForPersist()
	for txid, ids := range snapshot {
		newRoot, err := tree.set(freelistKey(txid), encodeFreelistValue(ids))
		if err != nil {
			return err
		}
		tree.root = newRoot
	}
	tx.meta.free.Root = tree.root
	tx.meta.free.Entries = uint64(len(snapshot))
	branch, leaf, overflow, depth, err := treeStats(tx, tree.root)
	if err != nil {
		return err
	}
	tx.meta.free.BranchPages = branch
	tx.meta.free.LeafPages = leaf
	tx.meta.free.OverflowPages = overflow
	tx.meta.free.Depth = depth
	return nil
}

// abort discards a write transaction's in-memory changes without touching
// disk, returning any reusable-pool pages it consumed and dropping
// whatever it appended to the pending-free list.
func (env *Environment) abort(tx *Tx) {
	if len(tx.allocatedFromFree) > 0 {
		env.freeList.free = append(env.freeList.free, tx.allocatedFromFree...)
	}
	if tx.pendingMark <= len(env.freeList.pending) {
		env.freeList.pending = env.freeList.pending[:tx.pendingMark]
	}
	env.metrics.Aborts.Inc()
	env.log.Debug().Msg("transaction rolled back")
}

// --- convenience wrappers, one-shot transaction per call -----------------

// CreateDatabase creates (or opens) a named database in its own write
// transaction.
func (env *Environment) CreateDatabase(name string, flags DatabaseFlags) error {
	return env.Update(func(tx *Tx) error {
		_, err := tx.CreateDatabase(name, flags)
		return err
	})
}

// DropDatabase drops a named database in its own write transaction.
func (env *Environment) DropDatabase(name string) error {
	return env.Update(func(tx *Tx) error {
		return tx.DropDatabase(name)
	})
}

// ListDatabases lists every key of the main database, named databases
// included, in its own read transaction (see Tx.ListDatabases).
func (env *Environment) ListDatabases() ([]string, error) {
	var names []string
	err := env.View(func(tx *Tx) error {
		var err error
		names, err = tx.ListDatabases()
		return err
	})
	return names, err
}

// Stat describes the environment's overall shape as of the last commit.
type Stat struct {
	LastTxnID    TxnID
	LastPage     PageID
	PageSize     int
	ReaderSlots  int
	FreePages    int
	DatabaseInfo DbInfo
}

// Stat returns a snapshot of the environment's current shape.
func (env *Environment) Stat() Stat {
	env.metaMu.RLock()
	defer env.metaMu.RUnlock()
	return Stat{
		LastTxnID:    env.meta.lastTxnID,
		LastPage:     env.meta.lastPage,
		PageSize:     PageSize,
		ReaderSlots:  env.readers.occupied(),
		FreePages:    len(env.freeList.free),
		DatabaseInfo: env.meta.main,
	}
}

// Metrics returns the environment's Prometheus collector set.
func (env *Environment) Metrics() *Metrics { return env.metrics }

// CopyTo writes a consistent copy of the environment to dst. When compact
// is true the copy is produced by walking every database with a cursor and
// re-inserting into a freshly bootstrapped file, which drops free space and
// any page fragmentation; otherwise it is a raw copy of the mapped file as
// of a consistent read snapshot.
func (env *Environment) CopyTo(dst string, compact bool) error {
	if !compact {
		return env.copyRaw(dst)
	}
	return env.copyCompact(dst)
}

func (env *Environment) copyRaw(dst string) error {
	tx, err := env.ReadTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	pages := int(tx.meta.lastPage) + 1
	for i := 0; i < pages; i++ {
		buf, err := env.store.readPage(PageID(i))
		if err != nil {
			return err
		}
		if _, err := out.Write(buf); err != nil {
			return err
		}
	}
	return out.Sync()
}

// copyCompact stages the compacted copy under a uuid-suffixed sibling path
// and renames it into place once fully written, so a reader never observes
// a partially-written dst.
func (env *Environment) copyCompact(dst string) error {
	src, err := env.ReadTx()
	if err != nil {
		return err
	}
	defer src.Rollback()

	names, err := src.ListDatabases()
	if err != nil {
		return err
	}

	staging := dst + "." + uuid.NewString() + ".tmp"
	dstEnv, err := Open(staging, env.opts)
	if err != nil {
		return err
	}

	copyErr := dstEnv.Update(func(dtx *Tx) error {
		if err := copyDatabaseInto(src, "", dtx, ""); err != nil {
			return err
		}
		for _, name := range names {
			info, ok, err := src.lookupDbInfo(name)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := dtx.CreateDatabase(name, info.Flags&^FlagCreate); err != nil {
				return err
			}
			if err := copyDatabaseInto(src, name, dtx, name); err != nil {
				return err
			}
		}
		return nil
	})
	if closeErr := dstEnv.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(staging)
		return copyErr
	}
	return os.Rename(staging, dst)
}

func copyDatabaseInto(src *Tx, srcName string, dst *Tx, dstName string) error {
	srcDB, err := src.Database(srcName)
	if err != nil {
		return err
	}
	dstDB, err := dst.Database(dstName)
	if err != nil {
		return err
	}
	cur := srcDB.Cursor()
	for k, v, ok := cur.First(); ok; k, v, ok = cur.Next() {
		if dstDB.info.isDupSort() {
			vals, _, err := srcDB.GetAll(k)
			if err != nil {
				return err
			}
			for _, dv := range vals {
				if err := dstDB.PutDup(k, dv); err != nil {
					return err
				}
			}
		} else if err := dstDB.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

var _ io.Closer = (*Environment)(nil)
