package store

import "bytes"

// tree is the low-level node-splitting/merging machinery shared by the
// main associative array, the GACO, and persistent duplicate sub-trees.
// Kept and generalized from the teacher's BTree (filodb_btree.go): the
// teacher's tree.get/new/del function fields become direct calls to the
// owning transaction's pager (pageGet/pageTouch/pageNew/pageDel), since
// every tree in this engine is always read or written through some *Txn.
type tree struct {
	tx      *Txn
	root    PageNum
	dupSort bool // keys that already exist get a sorted duplicate sub-tree instead of being overwritten (spec §4.2)
}

func (tx *Txn) treeFor(root PageNum) *tree { return &tree{tx: tx, root: root} }

// mainTree opens the main associative array, carrying its AADupSort flag
// (spec §3 AADescriptor.Flags) so Insert knows whether a Put of an
// existing key should overwrite or append a sorted duplicate.
func (tx *Txn) mainTree() *tree {
	return &tree{tx: tx, root: tx.mainRoot, dupSort: tx.mainFlags&AADupSort != 0}
}

func (t *tree) maxKeySize() int   { return t.tx.env.pageSize()/4 - NodeHeaderSize }
func (t *tree) overflowAt() int   { return t.tx.env.pageSize() / 4 }

// Get looks up key and returns its logical value (dereferencing overflow
// runs transparently). Kept from the teacher's BTree.Get.
func (t *tree) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 || len(key) > t.maxKeySize() {
		return nil, false, ErrKeyTooLarge
	}
	if t.root == 0 {
		return nil, false, nil
	}
	node := t.tx.pageGet(t.root)
	for {
		switch {
		case node.IsLeaf():
			idx := nodeLookupLE(node, key)
			if node.NumKeys() > 0 && bytes.Equal(node.getKey(idx), key) {
				return t.derefValue(node, idx), true, nil
			}
			return nil, false, nil
		case node.IsBranch():
			idx := nodeLookupLE(node, key)
			node = t.tx.pageGet(node.getPtr(idx))
		default:
			return nil, false, ErrCorrupted
		}
	}
}

func (t *tree) derefValue(node Page, idx uint16) []byte {
	switch {
	case node.getNodeFlags(idx)&NodeBig != 0:
		ptr := PageNum(beUint64(node.getVal(idx)))
		return t.tx.readOverflow(ptr)
	case node.getNodeFlags(idx)&NodeSubtree != 0:
		// A plain Get against a duplicate-sorted key has no notion of
		// "the" value; report the smallest duplicate, mirroring what a
		// fresh cursor Set+GetCurrent on the same key would return.
		sub := t.tx.treeFor(PageNum(beUint64(node.getVal(idx))))
		c := &Cursor{tx: t.tx, root: sub.root}
		if ok, _ := c.First(); ok {
			k, _, _ := c.GetCurrent()
			return k
		}
		return nil
	default:
		return node.getVal(idx)
	}
}

// Insert adds or replaces key -> val. Kept from the teacher's BTree.Insert
// (always rebuild-and-replace the visited path, a valid degenerate case of
// copy-on-write since a single Insert never revisits the same page twice);
// generalized to route oversized values onto overflow runs first, and (for
// a dup-sorted array) to grow a persistent duplicate sub-tree instead of
// overwriting an existing key (spec §3 "Additional named arrays ... stored
// as SUBTREE nodes", §4.2 duplicate cursor family).
func (t *tree) Insert(key, val []byte) error {
	if len(key) == 0 || len(key) > t.maxKeySize() {
		return ErrKeyTooLarge
	}
	flags := NodeFlags(0)
	storedVal := val
	if !t.dupSort && len(val) > t.overflowAt() {
		ptr, err := t.tx.writeOverflow(val)
		if err != nil {
			return err
		}
		var buf [8]byte
		putBEUint64(buf[:], uint64(ptr))
		storedVal = buf[:]
		flags = NodeBig
	}

	if t.root == 0 {
		root := newPage(0, t.tx.env.pageSize(), PageLeaf)
		root.setNumKeys(1)
		root.appendKV(0, 0, flags, key, storedVal)
		t.root = t.tx.pageNew(root)
		return nil
	}
	touched := t.tx.pageTouch(t.root)
	node := t.treeInsert(t.tx.pageGet(touched), key, flags, storedVal)
	n, split := t.nodeSplit3(node)
	if n > 1 {
		root := newPage(0, t.tx.env.pageSize(), PageBranch)
		root.setNumKeys(n)
		for i, kid := range split[:n] {
			ptr := t.pagePut(touched, i, kid)
			root.appendKV(uint16(i), ptr, 0, kid.getKey(0), nil)
		}
		t.root = t.tx.pageNew(root)
	} else {
		t.root = t.tx.finalize(touched, split[0])
	}
	return nil
}

// pagePut finalizes split piece i of a node that started life at touched:
// the first piece reuses that already-copy-on-written page number, any
// further piece needs a genuinely new one.
func (t *tree) pagePut(touched PageNum, i int, kid Page) PageNum {
	if i == 0 {
		return t.tx.finalize(touched, kid)
	}
	return t.tx.pageNew(kid)
}

// finalize writes content into the page number a caller already obtained
// from pageTouch, completing the copy-on-write step (spec §4.1
// "page_touch") without bouncing through a second alloc+free round trip.
func (tx *Txn) finalize(ptr PageNum, content Page) PageNum {
	tx.pageUse(ptr, content)
	return ptr
}

// Delete removes key, returning whether it was present. Kept from the
// teacher's BTree.Delete, generalized for root-collapse bookkeeping and to
// free an entire duplicate sub-tree when the removed key carried one.
func (t *tree) Delete(key []byte) bool {
	if t.root == 0 {
		return false
	}
	touched := t.tx.pageTouch(t.root)
	updated := t.treeDelete(t.tx.pageGet(touched), key)
	if updated.data == nil {
		return false
	}
	if updated.IsBranch() && updated.NumKeys() == 1 {
		t.root = updated.getPtr(0) // root collapse (spec §4.5)
	} else {
		t.root = t.tx.finalize(touched, updated)
	}
	return true
}

// countAll walks every leaf under the tree's root and sums NumKeys, used
// by Cursor.Count to report how many values a duplicate-sorted key holds
// (spec §4.2 "count").
func (t *tree) countAll() uint64 {
	if t.root == 0 {
		return 0
	}
	var n uint64
	var walk func(ptr PageNum)
	walk = func(ptr PageNum) {
		node := t.tx.pageGet(ptr)
		if node.IsLeaf() {
			n += uint64(node.NumKeys())
			return
		}
		for i := uint16(0); i < node.NumKeys(); i++ {
			walk(node.getPtr(i))
		}
	}
	walk(t.root)
	return n
}

// freeSubtree releases every page of a persistent duplicate sub-tree whose
// owning key was just deleted from its parent array.
func (t *tree) freeSubtree(root PageNum) {
	if root == 0 {
		return
	}
	node := t.tx.pageGet(root)
	if !node.IsLeaf() {
		for i := uint16(0); i < node.NumKeys(); i++ {
			t.freeSubtree(node.getPtr(i))
		}
	}
	t.tx.pageDel(root)
}

// nodeLookupLE returns the index of the last key <= the search key (or 0),
// kept verbatim in spirit from the teacher's nodeLookupLE.
func nodeLookupLE(node Page, key []byte) uint16 {
	n := node.NumKeys()
	found := uint16(0)
	for i := uint16(1); i < n; i++ {
		if bytes.Compare(node.getKey(i), key) <= 0 {
			found = i
		} else {
			break
		}
	}
	return found
}

func (t *tree) treeInsert(node Page, key []byte, flags NodeFlags, val []byte) Page {
	newNode := newPage(0, 2*t.tx.env.pageSize(), pageTypeOf(node))
	idx := nodeLookupLE(node, key)
	if node.IsLeaf() {
		if node.NumKeys() > 0 && bytes.Equal(key, node.getKey(idx)) {
			if t.dupSort {
				dupFlags, dupVal := t.mergeDup(node, idx, val)
				leafUpdate(newNode, node, idx, dupFlags, key, dupVal)
			} else {
				leafUpdate(newNode, node, idx, flags, key, val)
			}
		} else {
			pos := idx + 1
			if node.NumKeys() == 0 || bytes.Compare(key, node.getKey(0)) < 0 {
				pos = 0
			}
			leafInsert(newNode, node, pos, flags, key, val)
		}
	} else {
		t.nodeInsert(newNode, node, idx, key, flags, val)
	}
	return newNode
}

// mergeDup folds a newly Put value into the duplicate group already stored
// at idx: a singleton value is promoted to a fresh 2-entry sub-tree, an
// existing sub-tree simply gets val inserted as one more (sorted, unique)
// key (spec §4.2 "sub-cursors for sorted duplicates"). Re-putting a value
// already present is idempotent, same as mdbx-family dupsort semantics.
func (t *tree) mergeDup(node Page, idx uint16, val []byte) (NodeFlags, []byte) {
	var sub *tree
	if node.getNodeFlags(idx)&NodeSubtree != 0 {
		sub = t.tx.treeFor(PageNum(beUint64(node.getVal(idx))))
	} else {
		sub = t.tx.treeFor(0)
		_ = sub.Insert(append([]byte(nil), node.getVal(idx)...), nil)
	}
	_ = sub.Insert(val, nil)
	var buf [8]byte
	putBEUint64(buf[:], uint64(sub.root))
	return NodeSubtree, buf[:]
}

func pageTypeOf(p Page) PageFlags {
	if p.IsBranch() {
		return PageBranch
	}
	return PageLeaf
}

func (t *tree) nodeInsert(new, node Page, idx uint16, key []byte, flags NodeFlags, val []byte) {
	kptr := node.getPtr(idx)
	touched := t.tx.pageTouch(kptr)
	knode := t.treeInsert(t.tx.pageGet(touched), key, flags, val)
	n, split := t.nodeSplit3(knode)
	t.nodeReplaceKidN(new, node, idx, touched, split[:n]...)
}

func (t *tree) nodeSplit3(old Page) (uint16, [3]Page) {
	if old.nbytes() <= uint16(t.tx.env.pageSize()) {
		old.data = old.data[:t.tx.env.pageSize()]
		return 1, [3]Page{old}
	}
	left := newPage(0, 2*t.tx.env.pageSize(), pageTypeOf(old))
	right := newPage(0, t.tx.env.pageSize(), pageTypeOf(old))
	nodeSplit2(left, right, old, t.biasAppend(old))
	if left.nbytes() <= uint16(t.tx.env.pageSize()) {
		left.data = left.data[:t.tx.env.pageSize()]
		return 2, [3]Page{left, right}
	}
	leftLeft := newPage(0, t.tx.env.pageSize(), pageTypeOf(old))
	middle := newPage(0, t.tx.env.pageSize(), pageTypeOf(old))
	nodeSplit2(leftLeft, middle, left, false)
	return 3, [3]Page{leftLeft, middle, right}
}

// biasAppend reports whether the split should push the bulk of keys to
// the left (i.e. bias the split point toward the tail), which is how an
// append-heavy insertion pattern (spec §4.5 "APPEND"/"APPEND_DUP") keeps
// new pages mostly-full instead of splitting near the middle every time.
// Txn.appendBias is never set, so splits currently happen at the midpoint.
func (t *tree) biasAppend(old Page) bool {
	return t.tx.appendBias
}

func nodeSplit2(left, right, old Page, appendBias bool) {
	mid := old.NumKeys() / 2
	if appendBias && old.NumKeys() > 3 {
		mid = old.NumKeys() - 2
	}
	left.setHeader(pageTypeOf(old), mid)
	right.setHeader(pageTypeOf(old), old.NumKeys()-mid)
	appendRange(left, old, 0, 0, mid)
	appendRange(right, old, 0, mid, old.NumKeys()-mid)
}

// nodeReplaceKidN rebuilds a branch node with kid idx replaced by one or
// more kids (a split grew it into several). The first of those kids keeps
// the already-copy-on-written touched page number (see pageTouch); only
// genuinely additional kids from a split need a fresh page number.
func (t *tree) nodeReplaceKidN(new, old Page, idx uint16, touched PageNum, kids ...Page) {
	inc := uint16(len(kids))
	new.setHeader(PageBranch, old.NumKeys()+inc-1)
	appendRange(new, old, 0, 0, idx)
	for i, kid := range kids {
		ptr := t.pagePut(touched, i, kid)
		new.appendKV(idx+uint16(i), ptr, 0, kid.getKey(0), nil)
	}
	appendRange(new, old, idx+inc, idx+1, old.NumKeys()-(idx+1))
}

func leafInsert(new, old Page, idx uint16, flags NodeFlags, key, val []byte) {
	new.setHeader(PageLeaf, old.NumKeys()+1)
	appendRange(new, old, 0, 0, idx)
	new.appendKV(idx, 0, flags, key, val)
	appendRange(new, old, idx+1, idx, old.NumKeys()-idx)
}

func leafUpdate(new, old Page, idx uint16, flags NodeFlags, key, val []byte) {
	new.setHeader(PageLeaf, old.NumKeys())
	appendRange(new, old, 0, 0, idx)
	new.appendKV(idx, 0, flags, key, val)
	appendRange(new, old, idx+1, idx+1, old.NumKeys()-idx-1)
}

func leafDelete(new, old Page, idx uint16) {
	new.setHeader(pageTypeOf(old), old.NumKeys()-1)
	appendRange(new, old, 0, 0, idx)
	appendRange(new, old, idx, idx+1, old.NumKeys()-(idx+1))
}

func (t *tree) treeDelete(node Page, key []byte) Page {
	idx := nodeLookupLE(node, key)
	if node.IsLeaf() {
		if node.NumKeys() == 0 || !bytes.Equal(key, node.getKey(idx)) {
			return Page{}
		}
		if t.dupSort && node.getNodeFlags(idx)&NodeSubtree != 0 {
			t.freeSubtree(PageNum(beUint64(node.getVal(idx))))
		}
		new := newPage(0, t.tx.env.pageSize(), PageLeaf)
		leafDelete(new, node, idx)
		return new
	}
	return t.nodeDelete(node, idx, key)
}

func (t *tree) nodeDelete(node Page, idx uint16, key []byte) Page {
	kptr := node.getPtr(idx)
	touched := t.tx.pageTouch(kptr)
	updated := t.treeDelete(t.tx.pageGet(touched), key)
	if updated.data == nil {
		return Page{}
	}

	new := newPage(0, t.tx.env.pageSize(), PageBranch)
	dir, sibling := t.shouldMerge(node, idx, updated)
	switch {
	case dir < 0:
		merged := newPage(0, t.tx.env.pageSize(), pageTypeOf(updated))
		nodeMerge(merged, sibling, updated)
		t.tx.pageDel(touched)
		t.tx.pageDel(node.getPtr(idx - 1))
		nodeReplace2Kid(new, node, idx-1, t.tx.pageNew(merged), merged.getKey(0))
	case dir > 0:
		merged := newPage(0, t.tx.env.pageSize(), pageTypeOf(updated))
		nodeMerge(merged, updated, sibling)
		t.tx.pageDel(touched)
		t.tx.pageDel(node.getPtr(idx + 1))
		nodeReplace2Kid(new, node, idx, t.tx.pageNew(merged), merged.getKey(0))
	default:
		t.nodeReplaceKidN(new, node, idx, touched, updated)
	}
	return new
}

func nodeMerge(new, left, right Page) {
	new.setHeader(pageTypeOf(left), left.NumKeys()+right.NumKeys())
	appendRange(new, left, 0, 0, left.NumKeys())
	appendRange(new, right, left.NumKeys(), 0, right.NumKeys())
}

func nodeReplace2Kid(new, node Page, idx uint16, ptr PageNum, key []byte) {
	new.setHeader(PageBranch, node.NumKeys()-1)
	appendRange(new, node, 0, 0, idx)
	new.appendKV(idx, ptr, 0, key, nil)
	appendRange(new, node, idx+1, idx+2, node.NumKeys()-(idx+2))
}

// shouldMerge implements spec §4.5's FILL_THRESHOLD = 25%: a page that
// falls below a quarter full after a delete is merged with (or, if that
// would overflow, simply kept beside) a neighbour.
func (t *tree) shouldMerge(node Page, idx uint16, updated Page) (int, Page) {
	ps := uint16(t.tx.env.pageSize())
	if updated.nbytes() > ps/4 {
		return 0, Page{}
	}
	if idx > 0 {
		sibling := t.tx.pageGet(node.getPtr(idx - 1))
		if sibling.nbytes()+updated.nbytes()-PageHeaderSize <= ps {
			return -1, sibling
		}
	}
	if idx+1 < node.NumKeys() {
		sibling := t.tx.pageGet(node.getPtr(idx + 1))
		if sibling.nbytes()+updated.nbytes()-PageHeaderSize <= ps {
			return +1, sibling
		}
	}
	return 0, Page{}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b[:8] {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBEUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
