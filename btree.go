package leafdb

// btree is the copy-on-write B+tree. It holds no page
// references across calls; every operation resolves pages through access,
// which is always the owning transaction.
type btree struct {
	access pageAccess
	root   PageID
	cmp    Comparator
}

// splitFraction is the pre-emptive split threshold: if the incoming entry
// would push page utilization past this fraction of usable area, the page
// is split before the insert rather than after it overflows.
const splitFraction = 0.85

// minFraction is the underflow threshold: used space below this fraction
// of the usable page area triggers rebalancing, in addition to the
// absolute minimum key counts below.
const minFraction = 0.25

const (
	minBranchKeys = 2
	minLeafKeys   = 1
)

func (t *btree) get(key []byte) ([]byte, bool, error) {
	leaf, err := t.findLeaf(key, 0)
	if err != nil {
		return nil, false, err
	}
	idx, ok := findKey(leaf.keys, key, t.cmp)
	if !ok {
		return nil, false, nil
	}
	return t.resolveValue(leaf, idx)
}

// resolveValue returns the logical value for leaf.keys[idx], following the
// overflow chain when BIGDATA is set.
func (t *btree) resolveValue(leaf *node, idx int) ([]byte, bool, error) {
	if leaf.overflow != nil && leaf.overflow[idx] != 0 {
		val, err := readOverflow(t.access, leaf.overflow[idx], leaf.valLen[idx])
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	}
	return cloneBytes(leaf.values[idx]), true, nil
}

func (t *btree) findLeaf(key []byte, depth int) (*node, error) {
	if depth > maxTreeDepth {
		return nil, ErrDepthExceeded
	}
	n, err := t.access.readNode(t.root)
	if err != nil {
		return nil, err
	}
	return t.descend(n, key, depth)
}

func (t *btree) descend(n *node, key []byte, depth int) (*node, error) {
	for !n.isLeaf {
		depth++
		if depth > maxTreeDepth {
			return nil, ErrDepthExceeded
		}
		idx := findChild(n.keys, key, t.cmp)
		child, err := t.access.readNode(n.children[idx])
		if err != nil {
			return nil, err
		}
		n = child
	}
	return n, nil
}

// insertResult is what bubbles up a level of recursion.
type insertResult struct {
	newID    PageID
	split    bool
	median   []byte
	rightID  PageID
	oldValue []byte
	hadOld   bool
}

// set inserts or replaces key's value and returns the tree's new root id.
func (t *btree) set(key, value []byte) (PageID, error) {
	root, _, _, err := t.setGetOld(key, value)
	return root, err
}

// setGetOld is like set but also returns the previous value (nil, false if
// the key was new); Put uses hadOld to keep the entry count. Overflow pages
// belonging to a replaced value are freed by insertLeaf itself.
func (t *btree) setGetOld(key, value []byte) (PageID, []byte, bool, error) {
	return t.setDup(key, value, false)
}

// setDup is set's general form: it also controls the SUBDATA marker on the
// leaf entry, used by the duplicate-key machinery to point a key at a
// nested sub-tree root instead of an ordinary value.
func (t *btree) setDup(key, value []byte, dup bool) (PageID, []byte, bool, error) {
	res, err := t.insert(t.root, key, value, dup, 0)
	if err != nil {
		return 0, nil, false, err
	}
	root := res.newID
	if res.split {
		rootID := t.access.allocPage()
		rootNode := newBranch(rootID, res.newID, res.median, res.rightID)
		if err := t.access.writeNode(rootNode); err != nil {
			return 0, nil, false, err
		}
		root = rootID
	}
	return root, res.oldValue, res.hadOld, nil
}

func (t *btree) insert(id PageID, key, value []byte, dup bool, depth int) (insertResult, error) {
	if depth > maxTreeDepth {
		return insertResult{}, ErrDepthExceeded
	}
	n, err := t.access.readNode(id)
	if err != nil {
		return insertResult{}, err
	}
	if n.isLeaf {
		return t.insertLeaf(n, key, value, dup)
	}
	idx := findChild(n.keys, key, t.cmp)
	childRes, err := t.insert(n.children[idx], key, value, dup, depth+1)
	if err != nil {
		return insertResult{}, err
	}
	return t.insertBranch(n, idx, childRes)
}

func (t *btree) insertLeaf(n *node, key, value []byte, dup bool) (insertResult, error) {
	work := n.clone()
	idx, exists := findKey(work.keys, key, t.cmp)

	var oldValue []byte
	var hadOld bool
	if exists {
		old, _, err := t.resolveValue(n, idx)
		if err != nil {
			return insertResult{}, err
		}
		oldValue, hadOld = old, true
		if n.overflow != nil && n.overflow[idx] != 0 {
			if err := freeOverflow(t.access, n.overflow[idx]); err != nil {
				return insertResult{}, err
			}
		}
		if err := t.setLeafEntry(work, idx, key, value); err != nil {
			return insertResult{}, err
		}
		work.dup[idx] = dup
	} else {
		work.keys = insertSlice(work.keys, idx, cloneBytes(key))
		work.values = insertSlice(work.values, idx, ([]byte)(nil))
		work.overflow = insertSlice(work.overflow, idx, PageID(0))
		work.valLen = insertSlice(work.valLen, idx, uint32(0))
		work.dup = insertSlice(work.dup, idx, dup)
		if err := t.setLeafEntry(work, idx, key, value); err != nil {
			return insertResult{}, err
		}
	}

	fits, err := fitsWithinSplitThreshold(work)
	if err != nil {
		return insertResult{}, err
	}
	if fits {
		work.id = t.access.allocPage()
		if err := t.access.writeNode(work); err != nil {
			return insertResult{}, err
		}
		t.access.freePage(n.id)
		return insertResult{newID: work.id, oldValue: oldValue, hadOld: hadOld}, nil
	}

	newID, median, rightID, err := t.splitLeaf(work)
	if err != nil {
		return insertResult{}, err
	}
	t.access.freePage(n.id)
	return insertResult{newID: newID, split: true, median: median, rightID: rightID, oldValue: oldValue, hadOld: hadOld}, nil
}

// setLeafEntry writes value (inline or via the overflow subsystem) into
// work at idx, spilling to the overflow subsystem past the half-page
// threshold.
func (t *btree) setLeafEntry(work *node, idx int, key, value []byte) error {
	if needsOverflow(key, value) {
		first, err := writeOverflow(t.access, value)
		if err != nil {
			return err
		}
		work.values[idx] = nil
		work.overflow[idx] = first
		work.valLen[idx] = uint32(len(value))
		return nil
	}
	work.values[idx] = cloneBytes(value)
	work.overflow[idx] = 0
	work.valLen[idx] = uint32(len(value))
	return nil
}

func needsOverflow(key, value []byte) bool {
	return nodeHeaderSize+len(key)+len(value) > usableBytes()/2
}

// fitsWithinSplitThreshold implements the pre-emptive split rule.
func fitsWithinSplitThreshold(n *node) (bool, error) {
	u, err := utilization(n)
	if err != nil {
		return false, nil // doesn't fit at all; caller will split
	}
	return u <= splitFraction, nil
}

func (t *btree) splitLeaf(n *node) (PageID, []byte, PageID, error) {
	mid := len(n.keys) / 2
	if mid == 0 {
		mid = 1
	}
	right := &node{
		id:     t.access.allocPage(),
		isLeaf: true,
		keys:   append([][]byte(nil), n.keys[mid:]...),
		values: append([][]byte(nil), n.values[mid:]...),
	}
	if n.overflow != nil {
		right.overflow = append([]PageID(nil), n.overflow[mid:]...)
		right.valLen = append([]uint32(nil), n.valLen[mid:]...)
		right.dup = append([]bool(nil), n.dup[mid:]...)
	}
	left := &node{
		id:     t.access.allocPage(),
		isLeaf: true,
		keys:   append([][]byte(nil), n.keys[:mid]...),
		values: append([][]byte(nil), n.values[:mid]...),
	}
	if n.overflow != nil {
		left.overflow = append([]PageID(nil), n.overflow[:mid]...)
		left.valLen = append([]uint32(nil), n.valLen[:mid]...)
		left.dup = append([]bool(nil), n.dup[:mid]...)
	}

	// prev/next record this split's immediate siblings at the moment of
	// the split; they are a diagnostic hint only; cursor traversal does
	// not depend on them remaining accurate across later COW rewrites of
	// a leaf's neighbors; it walks the tree structurally instead (see
	// cursor.go), since keeping sibling pointers consistent would require
	// cascading rewrites of every leaf in the chain on every mutation.
	left.prev = n.prev
	left.next = right.id
	right.prev = left.id
	right.next = n.next

	if err := t.access.writeNode(left); err != nil {
		return 0, nil, 0, err
	}
	if err := t.access.writeNode(right); err != nil {
		return 0, nil, 0, err
	}
	return left.id, cloneBytes(right.keys[0]), right.id, nil
}

func (t *btree) insertBranch(n *node, idx int, child insertResult) (insertResult, error) {
	work := n.clone()
	work.children[idx] = child.newID
	if child.split {
		work.keys = insertSlice(work.keys, idx, child.median)
		work.children = insertSlice(work.children, idx+1, child.rightID)
	}

	fits, _ := fitsWithinSplitThreshold(work)
	if fits {
		work.id = t.access.allocPage()
		if err := t.access.writeNode(work); err != nil {
			return insertResult{}, err
		}
		t.access.freePage(n.id)
		return insertResult{newID: work.id, oldValue: child.oldValue, hadOld: child.hadOld}, nil
	}

	newID, median, rightID, err := t.splitBranch(work)
	if err != nil {
		return insertResult{}, err
	}
	t.access.freePage(n.id)
	return insertResult{newID: newID, split: true, median: median, rightID: rightID, oldValue: child.oldValue, hadOld: child.hadOld}, nil
}

func (t *btree) splitBranch(n *node) (PageID, []byte, PageID, error) {
	mid := len(n.keys) / 2
	median := n.keys[mid]

	left := &node{id: t.access.allocPage(), isLeaf: false,
		keys:     append([][]byte(nil), n.keys[:mid]...),
		children: append([]PageID(nil), n.children[:mid+1]...),
	}
	right := &node{id: t.access.allocPage(), isLeaf: false,
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]PageID(nil), n.children[mid+1:]...),
	}
	if err := t.access.writeNode(left); err != nil {
		return 0, nil, 0, err
	}
	if err := t.access.writeNode(right); err != nil {
		return 0, nil, 0, err
	}
	return left.id, cloneBytes(median), right.id, nil
}

// --- delete -------------------------------------------------------------

type deleteResult struct {
	newID     PageID
	deleted   bool
	underflow bool
}

func (t *btree) delete(key []byte) (PageID, bool, error) {
	res, err := t.deleteAt(t.root, key, 0)
	if err != nil {
		return 0, false, err
	}
	if !res.deleted {
		return t.root, false, nil
	}
	root, err := t.access.readNode(res.newID)
	if err != nil {
		return 0, false, err
	}
	if !root.isLeaf && len(root.keys) == 0 {
		only := root.children[0]
		t.access.freePage(res.newID)
		return only, true, nil
	}
	return res.newID, true, nil
}

func (t *btree) deleteAt(id PageID, key []byte, depth int) (deleteResult, error) {
	if depth > maxTreeDepth {
		return deleteResult{}, ErrDepthExceeded
	}
	n, err := t.access.readNode(id)
	if err != nil {
		return deleteResult{}, err
	}
	if n.isLeaf {
		return t.deleteLeaf(n, key)
	}
	idx := findChild(n.keys, key, t.cmp)
	childRes, err := t.deleteAt(n.children[idx], key, depth+1)
	if err != nil {
		return deleteResult{}, err
	}
	if !childRes.deleted {
		return deleteResult{newID: id, deleted: false}, nil
	}
	return t.deleteBranch(n, idx, childRes)
}

func (t *btree) deleteLeaf(n *node, key []byte) (deleteResult, error) {
	idx, ok := findKey(n.keys, key, t.cmp)
	if !ok {
		return deleteResult{newID: n.id, deleted: false}, nil
	}
	work := n.clone()
	if work.overflow != nil && work.overflow[idx] != 0 {
		if err := freeOverflow(t.access, work.overflow[idx]); err != nil {
			return deleteResult{}, err
		}
	}
	work.keys = removeSlice(work.keys, idx)
	work.values = removeSlice(work.values, idx)
	if work.overflow != nil {
		work.overflow = removeSlice(work.overflow, idx)
		work.valLen = removeSlice(work.valLen, idx)
		work.dup = removeSlice(work.dup, idx)
	}
	work.id = t.access.allocPage()
	if err := t.access.writeNode(work); err != nil {
		return deleteResult{}, err
	}
	t.access.freePage(n.id)
	underflow := len(work.keys) < minLeafKeys
	if !underflow {
		if u, err := utilization(work); err == nil {
			underflow = u < minFraction
		}
	}
	return deleteResult{newID: work.id, deleted: true, underflow: underflow}, nil
}

// deleteBranch installs the updated child pointer and, if the child
// underflowed, rebalances it against an in-parent sibling per the
// priority order: borrow-left, borrow-right, merge.
func (t *btree) deleteBranch(n *node, idx int, child deleteResult) (deleteResult, error) {
	work := n.clone()
	work.children[idx] = child.newID
	if child.underflow {
		rebalanced, err := t.rebalanceChild(work, idx)
		if err != nil {
			return deleteResult{}, err
		}
		work = rebalanced
	}
	work.id = t.access.allocPage()
	if err := t.access.writeNode(work); err != nil {
		return deleteResult{}, err
	}
	t.access.freePage(n.id)
	underflow := len(work.keys) < minBranchKeys
	return deleteResult{newID: work.id, deleted: true, underflow: underflow}, nil
}

func (t *btree) rebalanceChild(parent *node, idx int) (*node, error) {
	child, err := t.access.readNode(parent.children[idx])
	if err != nil {
		return nil, err
	}

	if idx > 0 {
		left, err := t.access.readNode(parent.children[idx-1])
		if err != nil {
			return nil, err
		}
		if canLend(left) {
			return t.borrowFromLeft(parent, idx, left, child)
		}
	}
	if idx < len(parent.children)-1 {
		right, err := t.access.readNode(parent.children[idx+1])
		if err != nil {
			return nil, err
		}
		if canLend(right) {
			return t.borrowFromRight(parent, idx, child, right)
		}
	}
	if idx > 0 {
		left, err := t.access.readNode(parent.children[idx-1])
		if err != nil {
			return nil, err
		}
		if merged, ok, err := t.tryMerge(parent, idx-1, left, child); err != nil {
			return nil, err
		} else if ok {
			return merged, nil
		}
	}
	if idx < len(parent.children)-1 {
		right, err := t.access.readNode(parent.children[idx+1])
		if err != nil {
			return nil, err
		}
		if merged, ok, err := t.tryMerge(parent, idx, child, right); err != nil {
			return nil, err
		} else if ok {
			return merged, nil
		}
	}
	// Underflow tolerated: no sibling could lend or merge within page bounds.
	return parent, nil
}

func canLend(sibling *node) bool {
	if sibling.isLeaf {
		return len(sibling.keys) > minLeafKeys
	}
	return len(sibling.keys) > minBranchKeys
}

func (t *btree) borrowFromLeft(parent *node, idx int, left, child *node) (*node, error) {
	if child.isLeaf {
		lw, cw := left.clone(), child.clone()
		n := len(lw.keys) - 1
		cw.keys = insertSlice(cw.keys, 0, lw.keys[n])
		cw.values = insertSlice(cw.values, 0, lw.values[n])
		if lw.overflow != nil {
			cw.overflow = insertSlice(cw.overflow, 0, lw.overflow[n])
			cw.valLen = insertSlice(cw.valLen, 0, lw.valLen[n])
			cw.dup = insertSlice(cw.dup, 0, lw.dup[n])
		}
		lw.keys = lw.keys[:n]
		lw.values = lw.values[:n]
		if lw.overflow != nil {
			lw.overflow = lw.overflow[:n]
			lw.valLen = lw.valLen[:n]
			lw.dup = lw.dup[:n]
		}
		lw.id, cw.id = t.access.allocPage(), t.access.allocPage()
		if err := t.access.writeNode(lw); err != nil {
			return nil, err
		}
		if err := t.access.writeNode(cw); err != nil {
			return nil, err
		}
		t.access.freePage(left.id)
		t.access.freePage(child.id)
		parent.children[idx-1] = lw.id
		parent.children[idx] = cw.id
		parent.keys[idx-1] = cloneBytes(cw.keys[0])
		return parent, nil
	}

	lw, cw := left.clone(), child.clone()
	n := len(lw.keys) - 1
	cw.keys = insertSlice(cw.keys, 0, cloneBytes(parent.keys[idx-1]))
	cw.children = insertSlice(cw.children, 0, lw.children[len(lw.children)-1])
	parent.keys[idx-1] = lw.keys[n]
	lw.keys = lw.keys[:n]
	lw.children = lw.children[:len(lw.children)-1]
	lw.id, cw.id = t.access.allocPage(), t.access.allocPage()
	if err := t.access.writeNode(lw); err != nil {
		return nil, err
	}
	if err := t.access.writeNode(cw); err != nil {
		return nil, err
	}
	t.access.freePage(left.id)
	t.access.freePage(child.id)
	parent.children[idx-1] = lw.id
	parent.children[idx] = cw.id
	return parent, nil
}

func (t *btree) borrowFromRight(parent *node, idx int, child, right *node) (*node, error) {
	if child.isLeaf {
		cw, rw := child.clone(), right.clone()
		cw.keys = append(cw.keys, rw.keys[0])
		cw.values = append(cw.values, rw.values[0])
		if rw.overflow != nil {
			cw.overflow = append(cw.overflow, rw.overflow[0])
			cw.valLen = append(cw.valLen, rw.valLen[0])
			cw.dup = append(cw.dup, rw.dup[0])
		}
		rw.keys = rw.keys[1:]
		rw.values = rw.values[1:]
		if rw.overflow != nil {
			rw.overflow = rw.overflow[1:]
			rw.valLen = rw.valLen[1:]
			rw.dup = rw.dup[1:]
		}
		cw.id, rw.id = t.access.allocPage(), t.access.allocPage()
		if err := t.access.writeNode(cw); err != nil {
			return nil, err
		}
		if err := t.access.writeNode(rw); err != nil {
			return nil, err
		}
		t.access.freePage(child.id)
		t.access.freePage(right.id)
		parent.children[idx] = cw.id
		parent.children[idx+1] = rw.id
		parent.keys[idx] = cloneBytes(rw.keys[0])
		return parent, nil
	}

	cw, rw := child.clone(), right.clone()
	cw.keys = append(cw.keys, cloneBytes(parent.keys[idx]))
	cw.children = append(cw.children, rw.children[0])
	parent.keys[idx] = rw.keys[0]
	rw.keys = rw.keys[1:]
	rw.children = rw.children[1:]
	cw.id, rw.id = t.access.allocPage(), t.access.allocPage()
	if err := t.access.writeNode(cw); err != nil {
		return nil, err
	}
	if err := t.access.writeNode(rw); err != nil {
		return nil, err
	}
	t.access.freePage(child.id)
	t.access.freePage(right.id)
	parent.children[idx] = cw.id
	parent.children[idx+1] = rw.id
	return parent, nil
}

// tryMerge merges the child at leftIdx with its right neighbor, absorbing
// the parent separator for branch merges. It reports ok=false (no error)
// when the merged page would exceed a page; the caller tolerates the
// underflow rather than violate page bounds.
func (t *btree) tryMerge(parent *node, leftIdx int, left, right *node) (*node, bool, error) {
	merged := left.clone()
	if left.isLeaf {
		merged.keys = append(merged.keys, right.keys...)
		merged.values = append(merged.values, right.values...)
		if right.overflow != nil {
			merged.overflow = append(merged.overflow, right.overflow...)
			merged.valLen = append(merged.valLen, right.valLen...)
			merged.dup = append(merged.dup, right.dup...)
		}
		merged.next = right.next
	} else {
		merged.keys = append(merged.keys, cloneBytes(parent.keys[leftIdx]))
		merged.keys = append(merged.keys, right.keys...)
		merged.children = append(merged.children, right.children...)
	}

	if u, err := utilization(merged); err != nil || u > 1.0 {
		return nil, false, nil
	}

	merged.id = t.access.allocPage()
	if err := t.access.writeNode(merged); err != nil {
		return nil, false, err
	}
	t.access.freePage(left.id)
	t.access.freePage(right.id)

	parent.keys = removeSlice(parent.keys, leftIdx)
	parent.children = removeSlice(parent.children, leftIdx+1)
	parent.children[leftIdx] = merged.id
	return parent, true, nil
}

// freeEntireTree releases every page reachable from root: branch pages,
// leaf pages, their overflow value chains, and any nested duplicate
// sub-trees. Used to drop a whole database.
func freeEntireTree(access pageAccess, root PageID) error {
	n, err := access.readNode(root)
	if err != nil {
		return err
	}
	if !n.isLeaf {
		for _, child := range n.children {
			if err := freeEntireTree(access, child); err != nil {
				return err
			}
		}
		access.freePage(root)
		return nil
	}
	for i := range n.keys {
		if n.overflow != nil && n.overflow[i] != 0 {
			if err := freeOverflow(access, n.overflow[i]); err != nil {
				return err
			}
			continue
		}
		if n.dup != nil && n.dup[i] {
			subRoot := decodePageID(n.values[i])
			if err := freeEntireTree(access, subRoot); err != nil {
				return err
			}
		}
	}
	access.freePage(root)
	return nil
}

// treeStats walks every page reachable from root and tallies how many
// branch pages, leaf pages, and overflow pages it occupies, along with its
// depth, descending into nested duplicate sub-trees along the way. Like
// freeEntireTree this is a full walk rather than a maintained counter,
// mirroring how bbolt's Bucket.Stats recomputes shape on demand instead of
// threading live bookkeeping through every split and merge.
func treeStats(access pageAccess, root PageID) (branchPages, leafPages, overflowPages uint64, depth uint32, err error) {
	n, err := access.readNode(root)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return walkTreeStats(access, n, 1)
}

func walkTreeStats(access pageAccess, n *node, level uint32) (branchPages, leafPages, overflowPages uint64, depth uint32, err error) {
	if n.isLeaf {
		leafPages = 1
		depth = level
		for i := range n.keys {
			if n.overflow != nil && n.overflow[i] != 0 {
				count, err := overflowRunLength(access, n.overflow[i])
				if err != nil {
					return 0, 0, 0, 0, err
				}
				overflowPages += count
				continue
			}
			if n.dup != nil && n.dup[i] {
				subRoot := decodePageID(n.values[i])
				sb, sl, so, _, err := treeStats(access, subRoot)
				if err != nil {
					return 0, 0, 0, 0, err
				}
				branchPages += sb
				leafPages += sl
				overflowPages += so
			}
		}
		return branchPages, leafPages, overflowPages, depth, nil
	}

	branchPages, depth = 1, level
	for _, child := range n.children {
		cn, err := access.readNode(child)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		cb, cl, co, cd, err := walkTreeStats(access, cn, level+1)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		branchPages += cb
		leafPages += cl
		overflowPages += co
		if cd > depth {
			depth = cd
		}
	}
	return branchPages, leafPages, overflowPages, depth, nil
}
