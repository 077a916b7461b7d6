package leafdb

// Database is a handle onto one named map (or the implicit main map) bound
// to the transaction that produced it. It is only valid for that
// transaction's lifetime.
type Database struct {
	tx   *Tx
	name string
	info DbInfo
}

func (d *Database) tree() *btree {
	return &btree{access: d.tx, root: d.info.Root, cmp: d.info.comparator()}
}

func (d *Database) persist(newRoot PageID, entryDelta int64) error {
	d.info.Root = newRoot
	if entryDelta > 0 {
		d.info.Entries += uint64(entryDelta)
	} else if entryDelta < 0 {
		d.info.Entries -= uint64(-entryDelta)
	}
	branch, leaf, overflow, depth, err := treeStats(d.tx, newRoot)
	if err != nil {
		return err
	}
	d.info.BranchPages = branch
	d.info.LeafPages = leaf
	d.info.OverflowPages = overflow
	d.info.Depth = depth
	return d.tx.updateDbInfo(d.name, d.info)
}

// Get returns the value stored under key. For a DUP_SORT database it
// returns only the first duplicate in sort order; use GetAll to retrieve
// the whole set.
func (d *Database) Get(key []byte) ([]byte, bool, error) {
	if d.info.isDupSort() {
		vals, ok, err := dupGetAll(d.tx, d.tree(), d.info.dupComparator(), key)
		if err != nil || !ok || len(vals) == 0 {
			return nil, false, err
		}
		return vals[0], true, nil
	}
	return d.tree().get(key)
}

// Put stores value under key, replacing any existing value for a non
// DUP_SORT database. Against a DUP_SORT database, Put behaves like PutDup.
func (d *Database) Put(key, value []byte) error {
	if !d.tx.writable {
		return ErrTxReadOnly
	}
	if d.info.isDupSort() {
		return d.PutDup(key, value)
	}
	newRoot, _, hadOld, err := d.tree().setGetOld(key, value)
	if err != nil {
		return err
	}
	delta := int64(1)
	if hadOld {
		delta = 0
	}
	return d.persist(newRoot, delta)
}

// Delete removes key (and, for DUP_SORT, every duplicate under it).
func (d *Database) Delete(key []byte) error {
	if !d.tx.writable {
		return ErrTxReadOnly
	}
	newRoot, removed, err := d.tree().delete(key)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	return d.persist(newRoot, -1)
}

// PutDup inserts value under key without displacing any other value
// already stored there. It requires the database to have FlagDupSort set.
func (d *Database) PutDup(key, value []byte) error {
	if !d.tx.writable {
		return ErrTxReadOnly
	}
	if !d.info.isDupSort() {
		return ErrNotDupSort
	}
	before, existed, err := dupGetAll(d.tx, d.tree(), d.info.dupComparator(), key)
	if err != nil {
		return err
	}
	newRoot, err := dupPut(d.tx, d.tree(), d.info.dupComparator(), key, value)
	if err != nil {
		return err
	}
	delta := int64(0)
	if !existed {
		delta = 1
	} else if len(before) == 0 {
		delta = 1
	}
	return d.persist(newRoot, delta)
}

// GetAll returns every value stored under key, in duplicate-sort order.
// For a non DUP_SORT database it returns at most one value.
func (d *Database) GetAll(key []byte) ([][]byte, bool, error) {
	if !d.info.isDupSort() {
		v, ok, err := d.tree().get(key)
		if err != nil || !ok {
			return nil, ok, err
		}
		return [][]byte{v}, true, nil
	}
	return dupGetAll(d.tx, d.tree(), d.info.dupComparator(), key)
}

// DeleteDup removes a single (key, value) pair from a DUP_SORT database,
// leaving any other duplicates under key intact.
func (d *Database) DeleteDup(key, value []byte) error {
	if !d.tx.writable {
		return ErrTxReadOnly
	}
	if !d.info.isDupSort() {
		return ErrNotDupSort
	}
	newRoot, removed, err := dupDelete(d.tx, d.tree(), d.info.dupComparator(), key, value)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	remaining, _, err := dupGetAll(d.tx, &btree{access: d.tx, root: newRoot, cmp: d.info.comparator()}, d.info.dupComparator(), key)
	if err != nil {
		return err
	}
	delta := int64(-1)
	if len(remaining) > 0 {
		delta = 0
	}
	return d.persist(newRoot, delta)
}

// Cursor returns a new cursor over this database's entries.
func (d *Database) Cursor() *Cursor {
	return newCursor(d.tree())
}

// Len returns the number of distinct keys (not duplicate values) in the
// database.
func (d *Database) Len() uint64 { return d.info.Entries }

// IsEmpty reports whether the database has no entries.
func (d *Database) IsEmpty() bool { return d.info.Entries == 0 }

// Clear removes every entry from the database without dropping it.
func (d *Database) Clear() error {
	if !d.tx.writable {
		return ErrTxReadOnly
	}
	if err := freeEntireTree(d.tx, d.info.Root); err != nil {
		return err
	}
	rootID := d.tx.allocPage()
	if err := d.tx.writeNode(newLeaf(rootID)); err != nil {
		return err
	}
	d.info.Root = rootID
	d.info.Entries = 0
	d.info.Depth = 1
	d.info.BranchPages = 0
	d.info.LeafPages = 1
	d.info.OverflowPages = 0
	return d.tx.updateDbInfo(d.name, d.info)
}

// Stat returns a snapshot of this database's shape.
func (d *Database) Stat() DbInfo { return d.info }

// Name returns the database's name ("" for the main database).
func (d *Database) Name() string { return d.name }
