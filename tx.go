package leafdb

// Tx is either a read transaction (a frozen snapshot) or the single
// writer transaction an environment admits at a time.
type Tx struct {
	env      *Environment
	writable bool
	closed   bool
	id       TxnID

	// snapshot/working meta: for a reader this is fixed for the tx's
	// lifetime; for the writer it is mutated locally (new roots, new
	// dbCount, etc.) and only published to env.meta at commit.
	meta meta

	dirty    map[PageID]*node  // writer only, keyed by each dirty node's own (already allocated) page id
	dirtyRaw map[PageID][]byte // writer only, raw overflow page buffers
	dbs      map[string]DbInfo // tx-local working copy of the catalog, filled lazily as databases are looked up or changed

	readerSlot *readerSlot

	// abort bookkeeping: allocatedFromFree records every page id this
	// write pulled out of the shared reusable pool, so Rollback can hand
	// them back instead of leaking them; pendingMark is the length of the
	// shared pending-free slice at the start of this write, so Rollback
	// can drop whatever this write appended to it.
	allocatedFromFree []PageID
	pendingMark       int

	// mapFull is set by allocPage/allocConsecutive the first time growing
	// the file would exceed the environment's configured map size. It is
	// sticky so commit can refuse to publish a transaction that overran
	// the map, even if the caller never inspected individual allocations.
	mapFull error
}

// atMapLimit reports whether a page id is beyond what mapSize bytes can
// address at PageSize each.
func atMapLimit(id PageID, mapSize uint64) bool {
	return uint64(id+1)*uint64(PageSize) > mapSize
}

// pageAccess is the minimal interface the B+tree and overflow code need;
// Tx implements it directly, and it's also the seam tests use to drive the
// tree against an in-memory fake store.
type pageAccess interface {
	pageSize() int
	readNode(id PageID) (*node, error)
	writeNode(n *node) error
	allocPage() PageID
	allocConsecutive(n int) PageID
	freePage(id PageID)
	readRaw(id PageID) ([]byte, error)
	writeRaw(id PageID, buf []byte) error
}

func (tx *Tx) pageSize() int { return PageSize }

func (tx *Tx) readNode(id PageID) (*node, error) {
	if tx.writable {
		if n, ok := tx.dirty[id]; ok {
			return n, nil
		}
	}
	buf, err := tx.env.store.readPage(id)
	if err != nil {
		return nil, err
	}
	n, _, err := decodeNode(buf)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (tx *Tx) writeNode(n *node) error {
	if !tx.writable {
		return ErrTxReadOnly
	}
	tx.dirty[n.id] = n
	return nil
}

// allocPage returns a fresh page id, preferring the environment's shared
// reusable pool (recording each id taken so Rollback can return it) over
// bumping the end-of-file counter.
func (tx *Tx) allocPage() PageID {
	if !tx.writable {
		return 0
	}
	if id, ok := tx.env.freeList.alloc(); ok {
		tx.allocatedFromFree = append(tx.allocatedFromFree, id)
		return id
	}
	id := tx.meta.lastPage + 1
	if tx.mapFull == nil && atMapLimit(id, tx.meta.mapSize) {
		tx.mapFull = ErrMapFull
	}
	tx.meta.lastPage = id
	return id
}

// allocConsecutive returns the first id of n contiguous fresh pages, taken
// only from the EOF counter since the free list cannot guarantee
// contiguity.
func (tx *Tx) allocConsecutive(n int) PageID {
	first := tx.meta.lastPage + 1
	last := tx.meta.lastPage + PageID(n)
	if tx.mapFull == nil && atMapLimit(last, tx.meta.mapSize) {
		tx.mapFull = ErrMapFull
	}
	tx.meta.lastPage = last
	return first
}

// readRaw returns a page's raw bytes without interpreting them as a node;
// used for the overflow page chain, which has no slot directory.
func (tx *Tx) readRaw(id PageID) ([]byte, error) {
	if tx.writable {
		if buf, ok := tx.dirtyRaw[id]; ok {
			return buf, nil
		}
	}
	return tx.env.store.readPage(id)
}

func (tx *Tx) writeRaw(id PageID, buf []byte) error {
	if !tx.writable {
		return ErrTxReadOnly
	}
	if tx.dirtyRaw == nil {
		tx.dirtyRaw = make(map[PageID][]byte)
	}
	tx.dirtyRaw[id] = buf
	return nil
}

func (tx *Tx) freePage(id PageID) {
	if !tx.writable {
		return
	}
	if id == metaPageA || id == metaPageB {
		return
	}
	tx.env.freeList.addPending(id)
}

// --- bucket/database access -------------------------------------------

// Database returns a handle bound to this transaction for the named map,
// or ErrBucketNotFound if it doesn't exist. An empty name addresses the
// implicit main database.
func (tx *Tx) Database(name string) (*Database, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	info, ok, err := tx.lookupDbInfo(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	return &Database{tx: tx, name: name, info: info}, nil
}

func (tx *Tx) lookupDbInfo(name string) (DbInfo, bool, error) {
	if name == "" {
		return tx.meta.main, true, nil
	}
	if cached, ok := tx.dbs[name]; ok {
		return cached, true, nil
	}
	tree := &btree{access: tx, root: tx.meta.main.Root, cmp: byteComparator}
	val, ok, err := tree.get([]byte(name))
	if err != nil || !ok {
		return DbInfo{}, false, err
	}
	info, err := decodeDbInfo(val)
	if err != nil {
		return DbInfo{}, false, err
	}
	if tx.dbs == nil {
		tx.dbs = make(map[string]DbInfo)
	}
	tx.dbs[name] = info
	return info, true, nil
}

// CreateDatabase creates a new named map, or returns the existing one
// unchanged whatever flags are passed. The implicit main database always
// exists and cannot be created or dropped.
func (tx *Tx) CreateDatabase(name string, flags DatabaseFlags) (*Database, error) {
	if !tx.writable {
		return nil, ErrTxReadOnly
	}
	if name == "" {
		return nil, ErrInvalidParameter
	}
	if info, ok, err := tx.lookupDbInfo(name); err != nil {
		return nil, err
	} else if ok {
		return &Database{tx: tx, name: name, info: info}, nil
	}

	rootID := tx.allocPage()
	if err := tx.writeNode(newLeaf(rootID)); err != nil {
		return nil, err
	}
	info := DbInfo{Flags: flags | FlagCreate, Depth: 1, LeafPages: 1, Root: rootID}

	tree := &btree{access: tx, root: tx.meta.main.Root, cmp: byteComparator}
	newRoot, err := tree.set([]byte(name), encodeDbInfo(info))
	if err != nil {
		return nil, err
	}
	tx.meta.main.Root = newRoot
	tx.meta.main.Entries++
	tx.meta.dbCount++
	if err := tx.refreshMainShape(); err != nil {
		return nil, err
	}
	if tx.dbs == nil {
		tx.dbs = make(map[string]DbInfo)
	}
	tx.dbs[name] = info
	return &Database{tx: tx, name: name, info: info}, nil
}

// DropDatabase frees every page reachable from name's root and removes its
// catalog entry.
func (tx *Tx) DropDatabase(name string) error {
	if !tx.writable {
		return ErrTxReadOnly
	}
	if name == "" {
		return ErrInvalidParameter
	}
	info, ok, err := tx.lookupDbInfo(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBucketNotFound
	}
	if err := freeEntireTree(tx, info.Root); err != nil {
		return err
	}
	tree := &btree{access: tx, root: tx.meta.main.Root, cmp: byteComparator}
	newRoot, _, err := tree.delete([]byte(name))
	if err != nil {
		return err
	}
	tx.meta.main.Root = newRoot
	tx.meta.main.Entries--
	tx.meta.dbCount--
	if err := tx.refreshMainShape(); err != nil {
		return err
	}
	delete(tx.dbs, name)
	return nil
}

// refreshMainShape recomputes the catalog tree's own page counters after a
// structural change to it, the same on-demand accounting Database.persist
// applies to every other database.
func (tx *Tx) refreshMainShape() error {
	branch, leaf, overflow, depth, err := treeStats(tx, tx.meta.main.Root)
	if err != nil {
		return err
	}
	tx.meta.main.BranchPages = branch
	tx.meta.main.LeafPages = leaf
	tx.meta.main.OverflowPages = overflow
	tx.meta.main.Depth = depth
	return nil
}

// ListDatabases returns every key of the main database's tree, in key
// order. Named databases are stored there as catalog entries; a key written
// directly into the main database through a Database handle is listed too.
func (tx *Tx) ListDatabases() ([]string, error) {
	tree := &btree{access: tx, root: tx.meta.main.Root, cmp: byteComparator}
	cur := &Cursor{tree: tree}
	var names []string
	for k, _, ok := cur.First(); ok; k, _, ok = cur.Next() {
		names = append(names, string(k))
	}
	return names, nil
}

// updateDbInfo persists info back into the catalog entry for name (or
// updates tx.meta.main directly when name is the main database) after a
// structural change made through a Database handle.
func (tx *Tx) updateDbInfo(name string, info DbInfo) error {
	if tx.dbs == nil {
		tx.dbs = make(map[string]DbInfo)
	}
	tx.dbs[name] = info
	if name == "" {
		tx.meta.main = info
		return nil
	}
	tree := &btree{access: tx, root: tx.meta.main.Root, cmp: byteComparator}
	newRoot, err := tree.set([]byte(name), encodeDbInfo(info))
	if err != nil {
		return err
	}
	tx.meta.main.Root = newRoot
	return tx.refreshMainShape()
}

// --- lifecycle ----------------------------------------------------------

// Commit durably publishes a write transaction's changes, or is a no-op
// for a read transaction.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		tx.close()
		return nil
	}
	if err := tx.env.commit(tx); err != nil {
		tx.close()
		return err
	}
	tx.close()
	return nil
}

// Rollback discards a write transaction's dirty pages without publishing
// them, or releases a reader's snapshot.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	if tx.writable {
		tx.env.abort(tx)
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.env.writeMu.Unlock()
		return
	}
	if tx.readerSlot != nil {
		tx.env.readers.release(tx.readerSlot)
		tx.env.metrics.ReaderSlots.Set(float64(tx.env.readers.occupied()))
	}
}
