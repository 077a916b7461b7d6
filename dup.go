package leafdb

import "bytes"

// Duplicate-key support (DUP_SORT). A key with a single value stores it
// inline exactly like any other leaf entry. A key with more than one value
// is promoted to a nested sub-tree: the leaf entry's SUBDATA bit is set and
// its value becomes the 8-byte page id of a second, value-only B+tree whose
// keys are the duplicate values themselves (sorted by dupCmp) and whose
// payloads are empty. GetAll/DeleteDup walk that sub-tree directly.

// dupPut inserts value under key, promoting to a sub-tree on the second
// distinct value for key. It is a no-op if the (key, value) pair already
// exists, matching the data model's duplicate-set semantics.
func dupPut(access pageAccess, main *btree, dupCmp Comparator, key, value []byte) (PageID, error) {
	leaf, err := main.findLeaf(key, 0)
	if err != nil {
		return 0, err
	}
	idx, exists := findKey(leaf.keys, key, main.cmp)
	if !exists {
		root, _, _, err := main.setDup(key, value, false)
		return root, err
	}

	if !leaf.dup[idx] {
		existing, _, err := main.resolveValue(leaf, idx)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(existing, value) {
			return main.root, nil
		}
		if leaf.overflow[idx] != 0 {
			if err := freeOverflow(access, leaf.overflow[idx]); err != nil {
				return 0, err
			}
		}
		subRoot, err := buildDupLeaf(access, existing, value, dupCmp)
		if err != nil {
			return 0, err
		}
		root, _, _, err := main.setDup(key, encodePageID(subRoot), true)
		return root, err
	}

	subRoot := decodePageID(leafValueBytes(leaf, idx))
	sub := &btree{access: access, root: subRoot, cmp: dupCmp}
	if _, ok, err := sub.get(value); err != nil {
		return 0, err
	} else if ok {
		return main.root, nil
	}
	newSubRoot, err := sub.set(value, nil)
	if err != nil {
		return 0, err
	}
	root, _, _, err := main.setDup(key, encodePageID(newSubRoot), true)
	return root, err
}

// leafValueBytes returns the raw, inline bytes stored for a SUBDATA entry
// (always small: an 8-byte page id, never overflowed).
func leafValueBytes(leaf *node, idx int) []byte {
	return leaf.values[idx]
}

func buildDupLeaf(access pageAccess, a, b []byte, cmp Comparator) (PageID, error) {
	first, second := a, b
	if cmp(first, second) > 0 {
		first, second = second, first
	}
	id := access.allocPage()
	n := &node{
		id:       id,
		isLeaf:   true,
		keys:     [][]byte{cloneBytes(first), cloneBytes(second)},
		values:   [][]byte{{}, {}},
		overflow: []PageID{0, 0},
		valLen:   []uint32{0, 0},
		dup:      []bool{false, false},
	}
	if err := access.writeNode(n); err != nil {
		return 0, err
	}
	return id, nil
}

// dupGetAll returns every value stored under key, in dupCmp order. It
// returns ok=false if key has no entries at all.
func dupGetAll(access pageAccess, main *btree, dupCmp Comparator, key []byte) ([][]byte, bool, error) {
	leaf, err := main.findLeaf(key, 0)
	if err != nil {
		return nil, false, err
	}
	idx, exists := findKey(leaf.keys, key, main.cmp)
	if !exists {
		return nil, false, nil
	}
	if !leaf.dup[idx] {
		v, _, err := main.resolveValue(leaf, idx)
		if err != nil {
			return nil, false, err
		}
		return [][]byte{v}, true, nil
	}
	subRoot := decodePageID(leafValueBytes(leaf, idx))
	sub := &btree{access: access, root: subRoot, cmp: dupCmp}
	cur := newCursor(sub)
	var out [][]byte
	for k, _, ok := cur.First(); ok; k, _, ok = cur.Next() {
		out = append(out, k)
	}
	return out, true, nil
}

// dupDelete removes a single (key, value) pair, demoting a sub-tree back to
// an inline value when exactly one duplicate remains, and removing the key
// entirely when none do.
func dupDelete(access pageAccess, main *btree, dupCmp Comparator, key, value []byte) (PageID, bool, error) {
	leaf, err := main.findLeaf(key, 0)
	if err != nil {
		return 0, false, err
	}
	idx, exists := findKey(leaf.keys, key, main.cmp)
	if !exists {
		return main.root, false, nil
	}

	if !leaf.dup[idx] {
		existing, _, err := main.resolveValue(leaf, idx)
		if err != nil {
			return 0, false, err
		}
		if !bytes.Equal(existing, value) {
			return main.root, false, nil
		}
		root, _, err := main.delete(key)
		return root, true, err
	}

	subRoot := decodePageID(leafValueBytes(leaf, idx))
	sub := &btree{access: access, root: subRoot, cmp: dupCmp}
	newSubRoot, removed, err := sub.delete(value)
	if err != nil || !removed {
		return main.root, removed, err
	}

	remaining, err := collectAll(access, newSubRoot, dupCmp)
	if err != nil {
		return 0, false, err
	}
	switch len(remaining) {
	case 0:
		if err := freeEntireTree(access, newSubRoot); err != nil {
			return 0, false, err
		}
		root, _, err := main.delete(key)
		return root, true, err
	case 1:
		if err := freeEntireTree(access, newSubRoot); err != nil {
			return 0, false, err
		}
		root, _, _, err := main.setDup(key, remaining[0], false)
		return root, true, err
	default:
		root, _, _, err := main.setDup(key, encodePageID(newSubRoot), true)
		return root, true, err
	}
}

func collectAll(access pageAccess, root PageID, cmp Comparator) ([][]byte, error) {
	sub := &btree{access: access, root: root, cmp: cmp}
	cur := newCursor(sub)
	var out [][]byte
	for k, _, ok := cur.First(); ok; k, _, ok = cur.Next() {
		out = append(out, k)
	}
	return out, nil
}
