package leafdb

// Overflow pages hold values too large to fit inline in a leaf record, per
// the data model's BIGDATA case. A value spans a consecutive run of pages
// (allocated together so the run can be addressed by its first page id
// alone); the first page's header overflow field stores the run's full
// length N, and every following page stores 1, so the run is self-
// describing from its first page without needing the logical length.

const overflowDataSize = PageSize - pageHeaderSize

func overflowPageCount(n int) int {
	if n == 0 {
		return 1
	}
	return (n + overflowDataSize - 1) / overflowDataSize
}

// writeOverflow copies value into a freshly allocated run of overflow pages
// and returns the run's first page id. The first page's overflow field
// holds the run's full length N; every following page holds 1, so the run
// is self-describing from its first page without needing the logical length.
func writeOverflow(access pageAccess, value []byte) (PageID, error) {
	pages := overflowPageCount(len(value))
	first := access.allocConsecutive(pages)
	for i := 0; i < pages; i++ {
		buf := make([]byte, PageSize)
		count := uint32(pages)
		if i > 0 {
			count = 1
		}
		h := pageHeader{id: first + PageID(i), flags: flagOverflow, overflow: count}
		h.write(buf)
		start := i * overflowDataSize
		end := start + overflowDataSize
		if end > len(value) {
			end = len(value)
		}
		copy(buf[pageHeaderSize:], value[start:end])
		if err := access.writeRaw(first+PageID(i), buf); err != nil {
			return 0, err
		}
	}
	return first, nil
}

// readOverflow reconstructs a value of the given logical length starting at
// first, walking the consecutive run page by page until length bytes have
// been read.
func readOverflow(access pageAccess, first PageID, length uint32) ([]byte, error) {
	out := make([]byte, 0, length)
	id := first
	for uint32(len(out)) < length {
		buf, err := access.readRaw(id)
		if err != nil {
			return nil, err
		}
		h := readPageHeader(buf)
		if !h.isOverflow() {
			return nil, corruptf(uint64(id), "expected overflow page in value chain")
		}
		remain := length - uint32(len(out))
		chunk := overflowDataSize
		if uint32(chunk) > remain {
			chunk = int(remain)
		}
		out = append(out, buf[pageHeaderSize:pageHeaderSize+chunk]...)
		id++
	}
	return out, nil
}

// overflowRunLength reports how many pages the run starting at first
// occupies, read from the first page's own overflow field.
func overflowRunLength(access pageAccess, first PageID) (uint64, error) {
	buf, err := access.readRaw(first)
	if err != nil {
		return 0, err
	}
	h := readPageHeader(buf)
	if !h.isOverflow() {
		return 0, corruptf(uint64(first), "expected overflow page when measuring value chain")
	}
	return uint64(h.overflow), nil
}

// freeOverflow releases every page in the run starting at first, reading the
// run's length from the first page's own overflow field.
func freeOverflow(access pageAccess, first PageID) error {
	buf, err := access.readRaw(first)
	if err != nil {
		return err
	}
	h := readPageHeader(buf)
	if !h.isOverflow() {
		return corruptf(uint64(first), "expected overflow page when freeing value chain")
	}
	pages := int(h.overflow)
	for i := 0; i < pages; i++ {
		access.freePage(first + PageID(i))
	}
	return nil
}
