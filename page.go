package leafdb

import "encoding/binary"

// PageID addresses a single fixed-size page within the environment's file.
type PageID uint64

const (
	// PageSize is the fixed size of every page in the file, in bytes.
	PageSize = 4096

	metaPageA PageID = 0
	metaPageB PageID = 1
	freeDBRootPage PageID = 2
	mainDBRootPage PageID = 3

	pageHeaderSize = 36
	nodeHeaderSize = 7

	maxTreeDepth = 100
)

// Page flag bits, stored in the page header's Flags field. flagDirty is
// defined but never set: a writer tracks its dirty pages in its own dirty
// map instead, so the bit is never persisted.
const (
	flagBranch   uint16 = 1 << 0
	flagLeaf     uint16 = 1 << 1
	flagOverflow uint16 = 1 << 2
	flagMeta     uint16 = 1 << 3
	flagDirty    uint16 = 1 << 4
)

// Node header flag bits (distinct bit space from the page flags above).
const (
	nodeBigData uint8 = 1 << 0
	nodeSubData uint8 = 1 << 1
)

// pageHeader is the fixed layout at the start of every page, overflow
// pages included.
//
//	0  PageID   uint64
//	8  Flags    uint16
//	10 NumKeys  uint16
//	12 Lower    uint16
//	14 Upper    uint16
//	16 Overflow uint32
//	20 PrevPgno uint64
//	28 NextPgno uint64
type pageHeader struct {
	id       PageID
	flags    uint16
	numKeys  uint16
	lower    uint16
	upper    uint16
	overflow uint32
	prev     PageID
	next     PageID
}

func readPageHeader(buf []byte) pageHeader {
	return pageHeader{
		id:       PageID(binary.LittleEndian.Uint64(buf[0:])),
		flags:    binary.LittleEndian.Uint16(buf[8:]),
		numKeys:  binary.LittleEndian.Uint16(buf[10:]),
		lower:    binary.LittleEndian.Uint16(buf[12:]),
		upper:    binary.LittleEndian.Uint16(buf[14:]),
		overflow: binary.LittleEndian.Uint32(buf[16:]),
		prev:     PageID(binary.LittleEndian.Uint64(buf[20:])),
		next:     PageID(binary.LittleEndian.Uint64(buf[28:])),
	}
}

func (h pageHeader) write(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.id))
	binary.LittleEndian.PutUint16(buf[8:], h.flags)
	binary.LittleEndian.PutUint16(buf[10:], h.numKeys)
	binary.LittleEndian.PutUint16(buf[12:], h.lower)
	binary.LittleEndian.PutUint16(buf[14:], h.upper)
	binary.LittleEndian.PutUint32(buf[16:], h.overflow)
	binary.LittleEndian.PutUint64(buf[20:], uint64(h.prev))
	binary.LittleEndian.PutUint64(buf[28:], uint64(h.next))
}

func (h pageHeader) isLeaf() bool     { return h.flags&flagLeaf != 0 }
func (h pageHeader) isBranch() bool   { return h.flags&flagBranch != 0 }
func (h pageHeader) isOverflow() bool { return h.flags&flagOverflow != 0 }

// node is the decoded, in-memory representation of a branch or leaf page.
// The engine always rewrites a node's page wholesale on mutation (the
// teacher's encode-whole-node approach), rather than splicing bytes in
// place; the on-disk slot directory and heap layout are still produced and
// parsed faithfully so the bytes on disk match the page format described
// in the data model.
type node struct {
	id       PageID
	isLeaf   bool
	keys     [][]byte
	values   [][]byte // leaf only; nil entries are looked up via overflow
	overflow []PageID // leaf only; first overflow page id per key, 0 if inline
	valLen   []uint32 // leaf only; logical value length (== len(values[i]) unless overflowed)
	dup      []bool   // leaf only; true when values[i] holds the 8-byte root page id of a nested duplicate sub-tree (SUBDATA)
	children []PageID // branch only; len(children) == len(keys)+1
	prev     PageID   // leaf chain
	next     PageID   // leaf chain
}

func newLeaf(id PageID) *node {
	return &node{id: id, isLeaf: true}
}

func newBranch(id PageID, leftmost PageID, key []byte, right PageID) *node {
	return &node{id: id, isLeaf: false, keys: [][]byte{key}, children: []PageID{leftmost, right}}
}

// clone returns a shallow-keys, deep-slice copy suitable for copy-on-write
// mutation: the slice headers are fresh so appends/removes on the clone
// never alias the original node's backing arrays.
func (n *node) clone() *node {
	c := &node{id: n.id, isLeaf: n.isLeaf, prev: n.prev, next: n.next}
	c.keys = append([][]byte(nil), n.keys...)
	if n.isLeaf {
		c.values = append([][]byte(nil), n.values...)
		c.overflow = append([]PageID(nil), n.overflow...)
		c.valLen = append([]uint32(nil), n.valLen...)
		c.dup = append([]bool(nil), n.dup...)
	} else {
		c.children = append([]PageID(nil), n.children...)
	}
	return c
}

// findKey returns the index of key in a sorted key list and whether it was
// found; if not found, the index is the insertion point.
func findKey(keys [][]byte, key []byte, cmp Comparator) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(key, keys[mid])
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// findChild returns the child index whose subtree may contain key: the
// index of the first key > target (i.e. children[i] covers [keys[i-1],
// keys[i])).
func findChild(keys [][]byte, key []byte, cmp Comparator) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(key, keys[mid]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func insertSlice[T any](s []T, idx int, v T) []T {
	s = append(s, v)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func removeSlice[T any](s []T, idx int) []T {
	copy(s[idx:], s[idx+1:])
	return s[:len(s)-1]
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// encodeNode serializes n into a fresh page-sized buffer following the page
// format: header, slot directory of 16-bit heap offsets, node records
// packed downward from the end of the page.
func encodeNode(n *node) ([]byte, error) {
	buf := make([]byte, PageSize)
	h := pageHeader{id: n.id, numKeys: uint16(len(n.keys))}
	if n.isLeaf {
		h.flags = flagLeaf
		h.prev = n.prev
		h.next = n.next
	} else {
		h.flags = flagBranch
	}

	lower := pageHeaderSize + len(n.keys)*2
	upper := PageSize
	slots := make([]uint16, len(n.keys))

	writeRecord := func(idx int, flags uint8, key, value []byte) error {
		size := nodeHeaderSize + len(key) + len(value)
		upper -= size
		if upper < lower {
			return corruptf(uint64(n.id), "node too large for page")
		}
		pos := upper
		buf[pos] = flags
		binary.LittleEndian.PutUint16(buf[pos+1:], uint16(len(key)))
		vlen := uint32(len(value))
		if flags&nodeBigData != 0 {
			vlen = n.valLen[idx]
		}
		binary.LittleEndian.PutUint16(buf[pos+3:], uint16(vlen&0xFFFF))
		binary.LittleEndian.PutUint16(buf[pos+5:], uint16(vlen>>16))
		copy(buf[pos+nodeHeaderSize:], key)
		copy(buf[pos+nodeHeaderSize+len(key):], value)
		slots[idx] = uint16(pos)
		return nil
	}

	if n.isLeaf {
		for i, key := range n.keys {
			value := n.values[i]
			var flags uint8
			if n.dup != nil && i < len(n.dup) && n.dup[i] {
				flags |= nodeSubData
			}
			if n.overflow != nil && i < len(n.overflow) && n.overflow[i] != 0 {
				flags |= nodeBigData
				value = encodePageID(n.overflow[i])
			}
			if err := writeRecord(i, flags, key, value); err != nil {
				return nil, err
			}
		}
	} else {
		for i, key := range n.keys {
			childID := n.children[i+1]
			if err := writeRecord(i, 0, key, encodePageID(childID)); err != nil {
				return nil, err
			}
		}
	}

	for i, off := range slots {
		binary.LittleEndian.PutUint16(buf[pageHeaderSize+i*2:], off)
	}
	h.lower = uint16(lower)
	h.upper = uint16(upper)
	h.write(buf)
	if !n.isLeaf {
		encodeBranchLeftmost(buf, n.children[0])
	}
	return buf, nil
}

// Branch pages store the leftmost-child pointer in the header's prev field
// (the header's leaf-chain fields are otherwise unused on branch pages).
func encodeBranchLeftmost(buf []byte, leftmost PageID) {
	binary.LittleEndian.PutUint64(buf[20:], uint64(leftmost))
}

func decodeBranchLeftmost(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint64(buf[20:]))
}

func encodePageID(id PageID) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(id))
	return b
}

func decodePageID(b []byte) PageID {
	return PageID(binary.LittleEndian.Uint64(b))
}

// decodeNode parses a page buffer into a node. For a BIGDATA entry it only
// records the first overflow page id and the logical value length, leaving
// n.values[i] nil; the value itself is read through overflow.go when a
// caller resolves it.
func decodeNode(buf []byte) (*node, pageHeader, error) {
	h := readPageHeader(buf)
	n := &node{id: h.id}
	switch {
	case h.isLeaf():
		n.isLeaf = true
		n.prev = h.prev
		n.next = h.next
	case h.isBranch():
		n.isLeaf = false
		n.children = make([]PageID, int(h.numKeys)+1)
		n.children[0] = decodeBranchLeftmost(buf)
	default:
		return nil, h, corruptf(uint64(h.id), "page is neither branch nor leaf")
	}

	n.keys = make([][]byte, h.numKeys)
	if n.isLeaf {
		n.values = make([][]byte, h.numKeys)
		n.overflow = make([]PageID, h.numKeys)
		n.valLen = make([]uint32, h.numKeys)
		n.dup = make([]bool, h.numKeys)
	}

	for i := 0; i < int(h.numKeys); i++ {
		off := binary.LittleEndian.Uint16(buf[pageHeaderSize+i*2:])
		pos := int(off)
		if pos+nodeHeaderSize > len(buf) {
			return nil, h, corruptf(uint64(h.id), "slot %d out of bounds", i)
		}
		flags := buf[pos]
		keyLen := int(binary.LittleEndian.Uint16(buf[pos+1:]))
		vlo := uint32(binary.LittleEndian.Uint16(buf[pos+3:]))
		vhi := uint32(binary.LittleEndian.Uint16(buf[pos+5:]))
		valLen := (vhi << 16) | vlo
		kstart := pos + nodeHeaderSize
		if kstart+keyLen > len(buf) {
			return nil, h, corruptf(uint64(h.id), "slot %d key out of bounds", i)
		}
		key := make([]byte, keyLen)
		copy(key, buf[kstart:kstart+keyLen])
		n.keys[i] = key

		if !n.isLeaf {
			vstart := kstart + keyLen
			if vstart+8 > len(buf) {
				return nil, h, corruptf(uint64(h.id), "slot %d child out of bounds", i)
			}
			n.children[i+1] = decodePageID(buf[vstart : vstart+8])
			continue
		}

		n.dup[i] = flags&nodeSubData != 0
		if flags&nodeBigData != 0 {
			vstart := kstart + keyLen
			if vstart+8 > len(buf) {
				return nil, h, corruptf(uint64(h.id), "slot %d overflow pointer out of bounds", i)
			}
			n.overflow[i] = decodePageID(buf[vstart : vstart+8])
			n.valLen[i] = valLen
			continue
		}
		vstart := kstart + keyLen
		if vstart+int(valLen) > len(buf) {
			return nil, h, corruptf(uint64(h.id), "slot %d value out of bounds", i)
		}
		value := make([]byte, valLen)
		copy(value, buf[vstart:vstart+int(valLen)])
		n.values[i] = value
		n.valLen[i] = valLen
	}
	return n, h, nil
}

// usableBytes is the area available for the slot directory and heap.
func usableBytes() int { return PageSize - pageHeaderSize }

// utilization returns the fraction (0..1) of usable space occupied once n
// is encoded, used to decide splits and merges.
func utilization(n *node) (float64, error) {
	buf, err := encodeNode(n)
	if err != nil {
		return 0, err
	}
	h := readPageHeader(buf)
	used := int(h.upper) - int(h.lower) // free bytes
	total := usableBytes()
	usedBytes := total - used
	return float64(usedBytes) / float64(total), nil
}
