package leafdb

// Cursor walks a single database's B+tree in key order. A new cursor is
// unpositioned: Next, Prev and Current report no entry until First, Last or
// Seek has positioned it. Next/Prev move structurally (ascend to
// the parent, step to the adjacent child, descend back down) rather than
// through a stored leaf sibling pointer: a copy-on-write rewrite of one
// leaf would otherwise leave every other leaf's sibling pointer stale.
type Cursor struct {
	tree  *btree
	stack []cursorFrame
	valid bool
}

type cursorFrame struct {
	page *node
	idx  int
}

func newCursor(tree *btree) *Cursor {
	return &Cursor{tree: tree}
}

func (c *Cursor) leaf() (*node, int) {
	f := c.stack[len(c.stack)-1]
	return f.page, f.idx
}

// descendLeftmost pushes the path from root to the first leaf onto the
// stack, positioned at its first entry.
func (c *Cursor) descendLeftmost(root PageID) error {
	c.stack = c.stack[:0]
	n, err := c.tree.access.readNode(root)
	if err != nil {
		return err
	}
	for {
		c.stack = append(c.stack, cursorFrame{page: n, idx: 0})
		if n.isLeaf {
			return nil
		}
		child, err := c.tree.access.readNode(n.children[0])
		if err != nil {
			return err
		}
		n = child
	}
}

func (c *Cursor) descendRightmost(root PageID) error {
	c.stack = c.stack[:0]
	n, err := c.tree.access.readNode(root)
	if err != nil {
		return err
	}
	for {
		if n.isLeaf {
			idx := len(n.keys) - 1
			if idx < 0 {
				idx = 0
			}
			c.stack = append(c.stack, cursorFrame{page: n, idx: idx})
			return nil
		}
		idx := len(n.children) - 1
		c.stack = append(c.stack, cursorFrame{page: n, idx: idx})
		child, err := c.tree.access.readNode(n.children[idx])
		if err != nil {
			return err
		}
		n = child
	}
}

// descendTo pushes the path from root to the leaf that would contain key.
func (c *Cursor) descendTo(root PageID, key []byte) error {
	c.stack = c.stack[:0]
	n, err := c.tree.access.readNode(root)
	if err != nil {
		return err
	}
	for {
		if n.isLeaf {
			idx, _ := findKey(n.keys, key, c.tree.cmp)
			c.stack = append(c.stack, cursorFrame{page: n, idx: idx})
			return nil
		}
		idx := findChild(n.keys, key, c.tree.cmp)
		c.stack = append(c.stack, cursorFrame{page: n, idx: idx})
		child, err := c.tree.access.readNode(n.children[idx])
		if err != nil {
			return err
		}
		n = child
	}
}

// descendLeftmostFrom pushes the path from a given page down its leftmost
// children, appending onto the current stack (used after stepping to a
// sibling subtree during Next).
func (c *Cursor) descendLeftmostFrom(id PageID) error {
	n, err := c.tree.access.readNode(id)
	if err != nil {
		return err
	}
	for {
		c.stack = append(c.stack, cursorFrame{page: n, idx: 0})
		if n.isLeaf {
			return nil
		}
		child, err := c.tree.access.readNode(n.children[0])
		if err != nil {
			return err
		}
		n = child
	}
}

func (c *Cursor) descendRightmostFrom(id PageID) error {
	n, err := c.tree.access.readNode(id)
	if err != nil {
		return err
	}
	for {
		if n.isLeaf {
			idx := len(n.keys) - 1
			if idx < 0 {
				idx = 0
			}
			c.stack = append(c.stack, cursorFrame{page: n, idx: idx})
			return nil
		}
		idx := len(n.children) - 1
		c.stack = append(c.stack, cursorFrame{page: n, idx: idx})
		child, err := c.tree.access.readNode(n.children[idx])
		if err != nil {
			return err
		}
		n = child
	}
}

func (c *Cursor) currentKV() ([]byte, []byte, bool, error) {
	leaf, idx := c.leaf()
	if idx < 0 || idx >= len(leaf.keys) {
		return nil, nil, false, nil
	}
	val, _, err := c.tree.resolveValue(leaf, idx)
	if err != nil {
		return nil, nil, false, err
	}
	return cloneBytes(leaf.keys[idx]), val, true, nil
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() ([]byte, []byte, bool) {
	if err := c.descendLeftmost(c.tree.root); err != nil {
		c.valid = false
		return nil, nil, false
	}
	return c.settle()
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() ([]byte, []byte, bool) {
	if err := c.descendRightmost(c.tree.root); err != nil {
		c.valid = false
		return nil, nil, false
	}
	return c.settle()
}

// Seek positions the cursor at the smallest key >= key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, bool) {
	if err := c.descendTo(c.tree.root, key); err != nil {
		c.valid = false
		return nil, nil, false
	}
	leaf, idx := c.leaf()
	if idx >= len(leaf.keys) {
		return c.step(1)
	}
	return c.settle()
}

// Current returns the entry the cursor is positioned on without moving it.
func (c *Cursor) Current() ([]byte, []byte, bool) {
	if !c.valid || len(c.stack) == 0 {
		return nil, nil, false
	}
	k, v, ok, err := c.currentKV()
	if err != nil || !ok {
		return nil, nil, false
	}
	return k, v, true
}

func (c *Cursor) settle() ([]byte, []byte, bool) {
	k, v, ok, err := c.currentKV()
	c.valid = ok && err == nil
	if !c.valid {
		return nil, nil, false
	}
	return k, v, true
}

// Next advances to the next entry in key order.
func (c *Cursor) Next() ([]byte, []byte, bool) {
	if !c.valid || len(c.stack) == 0 {
		return nil, nil, false
	}
	return c.step(1)
}

// Prev moves to the previous entry in key order.
func (c *Cursor) Prev() ([]byte, []byte, bool) {
	if !c.valid || len(c.stack) == 0 {
		return nil, nil, false
	}
	return c.step(-1)
}

// step moves the cursor by one entry in the given direction (+1 or -1),
// ascending past exhausted leaves and branch frames as needed and
// descending back down the adjacent subtree.
func (c *Cursor) step(dir int) ([]byte, []byte, bool) {
	top := &c.stack[len(c.stack)-1]
	top.idx += dir
	if dir > 0 && top.idx < len(top.page.keys) {
		return c.settle()
	}
	if dir < 0 && top.idx >= 0 {
		return c.settle()
	}

	// Exhausted the current leaf; ascend until a branch frame has a next
	// (or previous) child to descend into.
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		parent := &c.stack[len(c.stack)-1]
		parent.idx += dir
		if dir > 0 && parent.idx < len(parent.page.children) {
			if err := c.descendLeftmostFrom(parent.page.children[parent.idx]); err != nil {
				c.valid = false
				return nil, nil, false
			}
			return c.settle()
		}
		if dir < 0 && parent.idx >= 0 {
			if err := c.descendRightmostFrom(parent.page.children[parent.idx]); err != nil {
				c.valid = false
				return nil, nil, false
			}
			return c.settle()
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.valid = false
	return nil, nil, false
}
