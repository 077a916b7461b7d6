package leafdb

import "encoding/binary"

// freelist is the in-memory free-page state machine: pages move
// pending -> txnFree[txid] at commit, and txnFree[txid] -> free once no
// reader can still observe txid.
type freelist struct {
	pending []PageID
	txnFree map[TxnID][]PageID
	free    []PageID
}

func newFreelist() *freelist {
	return &freelist{txnFree: make(map[TxnID][]PageID)}
}

// addPending records a page freed by the in-flight writer; it is not
// reusable until that writer commits.
func (f *freelist) addPending(id PageID) {
	f.pending = append(f.pending, id)
}

// publish moves this writer's pending pages into txnFree under its own
// TxnID, per commit step 9.
func (f *freelist) publish(txnID TxnID) {
	if len(f.pending) == 0 {
		return
	}
	f.txnFree[txnID] = append(f.txnFree[txnID], f.pending...)
	f.pending = nil
}

// reclaim drains every txnFree bucket whose TxnID is strictly less than
// the oldest active reader's TxnID (or all of them, if no reader is
// active) into free.
func (f *freelist) reclaim(oldestReader TxnID, hasReaders bool) {
	for txid, ids := range f.txnFree {
		if hasReaders && txid >= oldestReader {
			continue
		}
		f.free = append(f.free, ids...)
		delete(f.txnFree, txid)
	}
}

// alloc pops one page id from the reusable pool, or returns (0, false) if
// none is available, in which case the caller must allocate from EOF.
func (f *freelist) alloc() (PageID, bool) {
	n := len(f.free)
	if n == 0 {
		return 0, false
	}
	id := f.free[n-1]
	f.free = f.free[:n-1]
	return id, true
}

// contains reports whether id is tracked anywhere in the free-list state
// machine (pending, any txnFree bucket, or free); used by tests asserting
// a page id should belong to at most one of {tree, pending, txnFree, free}.
func (f *freelist) contains(id PageID) bool {
	for _, v := range f.pending {
		if v == id {
			return true
		}
	}
	for _, ids := range f.txnFree {
		for _, v := range ids {
			if v == id {
				return true
			}
		}
	}
	for _, v := range f.free {
		if v == id {
			return true
		}
	}
	return false
}

// --- persistence -----------------------------------------------------
//
// txn_free_pages is persisted into the free database's main tree so a
// reopen does not leak the pages a crashed-or-closed writer had freed but
// that no reader had yet cleared. Each entry's key is the big-endian
// TxnID (so iteration recovers commit order) and its value is the
// concatenation of that bucket's 8-byte little-endian page ids. Bucket 0
// is reserved for the already-reusable `free` pool, since TxnID 0 never
// occurs for a real commit (the first writer's TxnID is 1) and sorts
// before every real bucket.

const reusableFreelistKey = TxnID(0)

func freelistKey(txid TxnID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(txid))
	return b
}

func decodeFreelistKey(b []byte) TxnID {
	return TxnID(binary.BigEndian.Uint64(b))
}

func encodeFreelistValue(ids []PageID) []byte {
	buf := make([]byte, len(ids)*8)
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return buf
}

func decodeFreelistValue(buf []byte) []PageID {
	n := len(buf) / 8
	ids := make([]PageID, n)
	for i := 0; i < n; i++ {
		ids[i] = PageID(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return ids
}

// snapshotForPersist returns the entries that should be (re)written to the
// free database this commit: the reusable pool under key 0, plus one entry
// per still-pending txnFree bucket.
func (f *freelist) snapshotForPersist() map[TxnID][]PageID {
	out := make(map[TxnID][]PageID, len(f.txnFree)+1)
	if len(f.free) > 0 {
		out[reusableFreelistKey] = append([]PageID(nil), f.free...)
	}
	for txid, ids := range f.txnFree {
		out[txid] = append([]PageID(nil), ids...)
	}
	return out
}

// load replaces the in-memory state with what was persisted, splitting the
// reusable-pool bucket back out from the per-txn buckets.
func (f *freelist) load(entries map[TxnID][]PageID) {
	f.free = nil
	f.txnFree = make(map[TxnID][]PageID, len(entries))
	for txid, ids := range entries {
		if txid == reusableFreelistKey {
			f.free = append(f.free, ids...)
			continue
		}
		f.txnFree[txid] = ids
	}
}
