package leafdb

import "encoding/binary"

// DatabaseFlags controls per-map comparator and encoding behavior.
type DatabaseFlags uint32

const (
	FlagReverseKey DatabaseFlags = 1 << iota
	FlagDupSort
	FlagIntegerKey
	FlagDupFixed
	FlagIntegerDup
	FlagReverseDup
	FlagCreate
)

// dbInfoSize is the fixed, little-endian serialized size of a DbInfo.
const dbInfoSize = 48

// DbInfo describes one named (or the main/free) map: its flags and its
// B+tree's current shape. BranchPages, LeafPages, OverflowPages, and Depth
// are recomputed by walking the tree whenever a mutation changes its root,
// the same on-demand approach bbolt's Bucket.Stats uses rather than
// threading live counters through every split and merge.
type DbInfo struct {
	Flags         DatabaseFlags
	Depth         uint32
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
	Entries       uint64
	Root          PageID
}

func (d DbInfo) comparator() Comparator {
	if d.Flags&FlagReverseKey != 0 {
		return reverseComparator
	}
	return byteComparator
}

// dupComparator orders the values within a DUP_SORT key's duplicate set.
func (d DbInfo) dupComparator() Comparator {
	if d.Flags&FlagReverseDup != 0 {
		return reverseComparator
	}
	return byteComparator
}

func (d DbInfo) isDupSort() bool { return d.Flags&FlagDupSort != 0 }

func encodeDbInfo(d DbInfo) []byte {
	buf := make([]byte, dbInfoSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(d.Flags))
	binary.LittleEndian.PutUint32(buf[4:], d.Depth)
	binary.LittleEndian.PutUint64(buf[8:], d.BranchPages)
	binary.LittleEndian.PutUint64(buf[16:], d.LeafPages)
	binary.LittleEndian.PutUint64(buf[24:], d.OverflowPages)
	binary.LittleEndian.PutUint64(buf[32:], d.Entries)
	binary.LittleEndian.PutUint64(buf[40:], uint64(d.Root))
	return buf
}

func decodeDbInfo(buf []byte) (DbInfo, error) {
	if len(buf) < dbInfoSize {
		return DbInfo{}, corruption("truncated DbInfo record (%d bytes)", len(buf))
	}
	return DbInfo{
		Flags:         DatabaseFlags(binary.LittleEndian.Uint32(buf[0:])),
		Depth:         binary.LittleEndian.Uint32(buf[4:]),
		BranchPages:   binary.LittleEndian.Uint64(buf[8:]),
		LeafPages:     binary.LittleEndian.Uint64(buf[16:]),
		OverflowPages: binary.LittleEndian.Uint64(buf[24:]),
		Entries:       binary.LittleEndian.Uint64(buf[32:]),
		Root:          PageID(binary.LittleEndian.Uint64(buf[40:])),
	}, nil
}
