package leafdb

import (
	"os"
	"sync/atomic"
	"time"
)

// readerStaleAfter bounds how long a reader slot may sit unrefreshed before
// it is considered abandoned and eligible for reclamation. The reference
// implementation probes liveness by sending signal 0 to the owning pid;
// that mechanism is unix-only and still racy across containers/namespaces,
// so this engine uses the timestamp-based fallback the design notes call
// out as an acceptable "is_stale" predicate on every platform.
const readerStaleAfter = 10 * time.Minute

// readerSlot is one entry of the reader table. pid doubles as the
// occupancy flag: 0 means empty, claimed via atomic compare-and-swap so
// acquiring a slot never blocks a concurrent writer.
type readerSlot struct {
	pid      atomic.Int64
	tid      int64
	txnID    atomic.Uint64
	acquired atomic.Int64 // UnixNano
}

func (s *readerSlot) isStale(now time.Time) bool {
	pid := s.pid.Load()
	if pid == 0 {
		return false
	}
	acquired := time.Unix(0, s.acquired.Load())
	return now.Sub(acquired) > readerStaleAfter
}

// readerTable is the fixed-size, lock-free table of live read snapshots.
type readerTable struct {
	slots []readerSlot
}

func newReaderTable(size int) *readerTable {
	return &readerTable{slots: make([]readerSlot, size)}
}

// acquire claims the first empty slot (or the first stale one, reclaimed
// in place) and pins txnID against page reclamation.
func (t *readerTable) acquire(txnID TxnID) (*readerSlot, error) {
	pid := int64(os.Getpid())
	now := time.Now()
	for i := range t.slots {
		slot := &t.slots[i]
		if slot.pid.CompareAndSwap(0, pid) {
			slot.tid = int64(i)
			slot.txnID.Store(uint64(txnID))
			slot.acquired.Store(now.UnixNano())
			return slot, nil
		}
	}
	for i := range t.slots {
		slot := &t.slots[i]
		if slot.isStale(now) && slot.pid.CompareAndSwap(slot.pid.Load(), 0) {
			if slot.pid.CompareAndSwap(0, pid) {
				slot.tid = int64(i)
				slot.txnID.Store(uint64(txnID))
				slot.acquired.Store(now.UnixNano())
				return slot, nil
			}
		}
	}
	return nil, ErrReadersFull
}

func (t *readerTable) release(slot *readerSlot) {
	if slot == nil {
		return
	}
	slot.txnID.Store(0)
	slot.pid.Store(0)
}

// oldestTxnID scans occupied slots for the minimum pinned TxnID, used by
// the allocator to decide how far txn_free_pages may drain into free_pages
// ok is false when no reader is currently active.
func (t *readerTable) oldestTxnID() (TxnID, bool) {
	var oldest TxnID
	found := false
	for i := range t.slots {
		slot := &t.slots[i]
		if slot.pid.Load() == 0 {
			continue
		}
		txid := TxnID(slot.txnID.Load())
		if !found || txid < oldest {
			oldest = txid
			found = true
		}
	}
	return oldest, found
}

func (t *readerTable) occupied() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].pid.Load() != 0 {
			n++
		}
	}
	return n
}
