package store

import "bytes"

// MaxCursorDepth bounds a cursor's page-stack (spec §4.2 "cursor ... stack
// of page/index frames, maximum depth 32").
const MaxCursorDepth = 32

type cursorFrame struct {
	page  Page
	index uint16
}

// Cursor walks one associative array's B+tree, including sorted-duplicate
// sub-trees (spec §4.2). Generalized from the teacher's lack of any
// cursor type at all (filodb_btree.go only exposed whole-tree Get/Insert/
// Delete); the stack-of-frames shape and sub-cursor embedding follow how
// the rest of the retrieval pack's B+tree stores implement ordered
// iteration over a COW tree.
type Cursor struct {
	tx   *Txn
	root PageNum

	stack []cursorFrame

	sub *Cursor // active only when positioned on a NodeSubtree entry

	valid bool
	dead  bool // set by Abort/invalidate (which also clears valid); the cursor methods do not consult it
}

func (c *Cursor) invalidate() { c.dead = true; c.valid = false }

// refreshPage implements spec §4.2 "XCURSOR_REFRESH": a page this cursor
// has on its stack (or a duplicate sub-cursor has on its own stack) may be
// copy-on-written out from under it mid-transaction; every frame pointing
// at the old page number is redirected to the new one.
func (c *Cursor) refreshPage(old, new PageNum) {
	for i := range c.stack {
		if c.stack[i].page.Num == old {
			c.stack[i].page = c.tx.pageGet(new)
		}
	}
	if c.sub != nil {
		c.sub.refreshPage(old, new)
	}
}

func (c *Cursor) top() *cursorFrame { return &c.stack[len(c.stack)-1] }

func (c *Cursor) pushLeftmost(ptr PageNum) error {
	for {
		if len(c.stack) >= MaxCursorDepth {
			return ErrCursorFull
		}
		node := c.tx.pageGet(ptr)
		c.stack = append(c.stack, cursorFrame{page: node, index: 0})
		if node.IsLeaf() {
			return nil
		}
		ptr = node.getPtr(0)
	}
}

func (c *Cursor) pushRightmost(ptr PageNum) error {
	for {
		if len(c.stack) >= MaxCursorDepth {
			return ErrCursorFull
		}
		node := c.tx.pageGet(ptr)
		idx := uint16(0)
		if node.NumKeys() > 0 {
			idx = node.NumKeys() - 1
		}
		c.stack = append(c.stack, cursorFrame{page: node, index: idx})
		if node.IsLeaf() {
			return nil
		}
		ptr = node.getPtr(idx)
	}
}

// First positions the cursor at the smallest key (spec §4.2 "First").
func (c *Cursor) First() (bool, error) {
	c.stack = c.stack[:0]
	c.sub = nil
	if c.root == 0 {
		c.valid = false
		return false, nil
	}
	if err := c.pushLeftmost(c.root); err != nil {
		return false, err
	}
	c.valid = c.leafFrame().page.NumKeys() > 0
	c.setupDupSubCursor()
	return c.valid, nil
}

// Last positions the cursor at the largest key (spec §4.2 "Last").
func (c *Cursor) Last() (bool, error) {
	c.stack = c.stack[:0]
	c.sub = nil
	if c.root == 0 {
		c.valid = false
		return false, nil
	}
	if err := c.pushRightmost(c.root); err != nil {
		return false, err
	}
	c.valid = c.leafFrame().page.NumKeys() > 0
	c.setupDupSubCursor()
	if c.valid && c.sub != nil {
		c.sub.Last()
	}
	return c.valid, nil
}

func (c *Cursor) leafFrame() *cursorFrame { return c.top() }

// Next advances to the next key (spec §4.2 "Next"): within a duplicate
// group this first tries NextDup, then rises via cursor_sibling.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return c.First()
	}
	if c.sub != nil {
		if ok, _ := c.sub.Next(); ok {
			return true, nil
		}
	}
	return c.advance(+1)
}

// Prev mirrors Next (spec §4.2 "Prev").
func (c *Cursor) Prev() (bool, error) {
	if !c.valid {
		return c.Last()
	}
	if c.sub != nil {
		if ok, _ := c.sub.Prev(); ok {
			return true, nil
		}
	}
	return c.advance(-1)
}

// advance implements cursor_sibling: climb the stack until a frame has a
// next (or previous) sibling index, then descend leftmost/rightmost back
// to a leaf from there.
func (c *Cursor) advance(dir int) (bool, error) {
	for len(c.stack) > 0 {
		f := c.top()
		var next int
		if dir > 0 {
			next = int(f.index) + 1
		} else {
			next = int(f.index) - 1
		}
		if next >= 0 && next < int(f.page.NumKeys()) {
			f.index = uint16(next)
			if f.page.IsLeaf() {
				c.valid = true
				c.setupDupSubCursor()
				if dir < 0 && c.sub != nil {
					c.sub.Last()
				}
				return true, nil
			}
			ptr := f.page.getPtr(f.index)
			var err error
			if dir > 0 {
				err = c.pushLeftmost(ptr)
			} else {
				err = c.pushRightmost(ptr)
			}
			if err != nil {
				return false, err
			}
			c.valid = true
			c.setupDupSubCursor()
			if dir < 0 && c.sub != nil {
				c.sub.Last()
			}
			return true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.valid = false
	return false, nil
}

// Set positions exactly on key, failing if absent (spec §4.2 "Set").
func (c *Cursor) Set(key []byte) (bool, error) {
	ok, err := c.SetRange(key)
	if err != nil || !ok {
		return false, err
	}
	if !bytes.Equal(c.currentKey(), key) {
		c.valid = false
		return false, nil
	}
	return true, nil
}

// SetKey is Set's alias used when only the key (not its value) matters.
func (c *Cursor) SetKey(key []byte) (bool, error) { return c.Set(key) }

// SetRange positions at the smallest key >= the search key (spec §4.2
// "SetRange").
func (c *Cursor) SetRange(key []byte) (bool, error) {
	c.stack = c.stack[:0]
	c.sub = nil
	if c.root == 0 {
		c.valid = false
		return false, nil
	}
	ptr := c.root
	for {
		if len(c.stack) >= MaxCursorDepth {
			return false, ErrCursorFull
		}
		node := c.tx.pageGet(ptr)
		if node.IsLeaf() {
			c.stack = append(c.stack, cursorFrame{page: node, index: nodeLookupGE(node, key)})
			break
		}
		// descend into the last child whose separator is <= key: that child
		// is the one whose key range covers the search key.
		idx := nodeLookupLE(node, key)
		c.stack = append(c.stack, cursorFrame{page: node, index: idx})
		ptr = node.getPtr(idx)
	}
	f := c.top()
	if f.index >= f.page.NumKeys() {
		ok, err := c.advance(+1)
		if !ok || err != nil {
			c.valid = false
			return false, err
		}
	}
	c.valid = true
	c.setupDupSubCursor()
	return true, nil
}

// nodeLookupGE returns the index of the first key >= the search key (or
// NumKeys() if none), the complement of nodeLookupLE (btree.go).
func nodeLookupGE(node Page, key []byte) uint16 {
	n := node.NumKeys()
	for i := uint16(0); i < n; i++ {
		if bytes.Compare(node.getKey(i), key) >= 0 {
			return i
		}
	}
	return n
}

func (c *Cursor) currentKey() []byte {
	f := c.top()
	return f.page.getKey(f.index)
}

// GetCurrent returns the key/value the cursor is positioned on (spec §4.2
// "GetCurrent").
func (c *Cursor) GetCurrent() (key, val []byte, ok bool) {
	if !c.valid {
		return nil, nil, false
	}
	f := c.top()
	key = f.page.getKey(f.index)
	if c.sub != nil {
		// The duplicate value lives as the sub-tree's own key (its payload
		// is unused), so the sub-cursor's *key*, not its value, is what the
		// caller wants back as this entry's value.
		dup, _, ok := c.sub.GetCurrent()
		if ok {
			return key, dup, true
		}
	}
	return key, c.tx.treeFor(c.root).derefValue(f.page, f.index), true
}

// setupDupSubCursor opens (or closes) the sub-cursor for the leaf entry
// the cursor now sits on, when it carries NodeSubtree (persistent
// duplicate sub-tree) (spec §4.2 "sub-cursors for sorted duplicates").
// Every duplicate group, however small, is promoted straight to a
// sub-tree (btree.go's mergeDup); there is no separate inline-mini-page
// representation to navigate here.
func (c *Cursor) setupDupSubCursor() {
	c.sub = nil
	if !c.valid {
		return
	}
	f := c.top()
	if f.page.getNodeFlags(f.index)&NodeSubtree == 0 {
		return
	}
	root := PageNum(beUint64(f.page.getVal(f.index)))
	sub := &Cursor{tx: c.tx, root: root}
	c.tx.cursors = append(c.tx.cursors, sub)
	sub.First()
	c.sub = sub
}

// Count returns the number of values stored at the cursor's current key
// (spec §4.2 "count"): 1 for an ordinary singleton entry, or the size of
// the duplicate sub-tree when the key holds sorted duplicates.
func (c *Cursor) Count() (uint64, error) {
	if !c.valid {
		return 0, ErrNotFound
	}
	if c.sub == nil {
		return 1, nil
	}
	return c.tx.treeFor(c.sub.root).countAll(), nil
}

// GetBoth positions exactly on (key, val) within a duplicate-sorted
// array (spec §4.2 "GetBoth").
func (c *Cursor) GetBoth(key, val []byte) (bool, error) {
	ok, err := c.GetBothRange(key, val)
	if err != nil || !ok {
		return false, err
	}
	_, v, _ := c.GetCurrent()
	if !bytes.Equal(v, val) {
		c.valid = false
		return false, nil
	}
	return true, nil
}

// GetBothRange positions at key with the smallest duplicate value >= val
// (spec §4.2 "GetBothRange").
func (c *Cursor) GetBothRange(key, val []byte) (bool, error) {
	if ok, err := c.Set(key); !ok || err != nil {
		return false, err
	}
	if c.sub == nil {
		_, v, _ := c.GetCurrent()
		if bytes.Compare(v, val) >= 0 {
			return true, nil
		}
		c.valid = false
		return false, nil
	}
	return c.sub.SetRange(val)
}

// FirstDup/LastDup reposition within the current key's duplicate group
// (spec §4.2).
func (c *Cursor) FirstDup() (bool, error) {
	if c.sub == nil || !c.valid {
		return c.valid, nil
	}
	return c.sub.First()
}

func (c *Cursor) LastDup() (bool, error) {
	if c.sub == nil || !c.valid {
		return c.valid, nil
	}
	return c.sub.Last()
}

// NextDup/PrevDup move within the duplicate group only, failing (without
// moving to the next primary key) once the group is exhausted.
func (c *Cursor) NextDup() (bool, error) {
	if c.sub == nil {
		return false, nil
	}
	return c.sub.Next()
}

func (c *Cursor) PrevDup() (bool, error) {
	if c.sub == nil {
		return false, nil
	}
	return c.sub.Prev()
}

// NextNoDup/PrevNoDup skip the rest of the current duplicate group and
// move to the next/previous primary key (spec §4.2).
func (c *Cursor) NextNoDup() (bool, error) {
	c.sub = nil
	return c.advance(+1)
}

func (c *Cursor) PrevNoDup() (bool, error) {
	c.sub = nil
	return c.advance(-1)
}

// GetMultiple/NextMultiple/PrevMultiple return a whole run of packed
// duplicate values at once from a Dense Fixed Leaf sub-tree page,
// avoiding one cursor step per value (spec §4.2). Only meaningful when
// positioned on a NodeSubtree group whose current sub-cursor leaf is
// itself dense; otherwise they degrade to a single GetCurrent-style read.
func (c *Cursor) GetMultiple() ([][]byte, bool) {
	if c.sub == nil || !c.sub.valid {
		return nil, false
	}
	f := c.sub.top()
	if !f.page.IsDense() {
		_, v, ok := c.sub.GetCurrent()
		if !ok {
			return nil, false
		}
		return [][]byte{v}, true
	}
	n := f.page.NumKeys()
	out := make([][]byte, n)
	for i := uint16(0); i < n; i++ {
		out[i] = f.page.dflGet(i)
	}
	return out, true
}

func (c *Cursor) NextMultiple() ([][]byte, bool) {
	if c.sub == nil {
		return nil, false
	}
	if ok, _ := c.sub.advance(+1); !ok {
		return nil, false
	}
	return c.GetMultiple()
}

func (c *Cursor) PrevMultiple() ([][]byte, bool) {
	if c.sub == nil {
		return nil, false
	}
	if ok, _ := c.sub.advance(-1); !ok {
		return nil, false
	}
	return c.GetMultiple()
}
