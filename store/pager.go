package store

import "sort"

// DirtyListCap bounds a transaction's in-memory dirty list (spec §4.1
// "Dirty list ... bounded by 2^17 - 1"): past it, pageNew and Commit spill
// the excess to the file through maybeSpill; ErrTxnFull is never returned.
const DirtyListCap = 1<<17 - 1

// pageAlloc implements spec §4.1 "page_alloc": loose list first, then the
// per-txn reclaimed-from-GACO PNL, then growth. Generalized from the
// teacher's FreeList.Pop/KV.pageNew (filodb_memory.go, filodb_storage.go),
// which only ever supported n==1 and had no loose-list / GACO-merge split.
func (tx *Txn) pageAlloc(n int) ([]PageNum, error) {
	if n == 1 && len(tx.loose) > 0 {
		ptr := tx.loose[len(tx.loose)-1]
		tx.loose = tx.loose[:len(tx.loose)-1]
		return []PageNum{ptr}, nil
	}

	if run, ok := tx.popReclaimedRun(n); ok {
		return run, nil
	}
	if err := tx.gacoReclaimMore(); err == nil {
		if run, ok := tx.popReclaimedRun(n); ok {
			return run, nil
		}
	}

	out := make([]PageNum, n)
	for i := 0; i < n; i++ {
		out[i] = tx.nextFree
		tx.nextFree++
	}
	newTotal := uint64(tx.nextFree)
	if tx.env.opts.UpperPages != 0 && newTotal > tx.env.opts.UpperPages {
		tx.nextFree -= PageNum(n)
		return nil, ErrMapFull
	}
	if newTotal > tx.geometryNow {
		if err := tx.env.extendFile(newTotal); err != nil {
			tx.nextFree -= PageNum(n)
			return nil, err
		}
		if err := tx.env.extendMmap(newTotal); err != nil {
			tx.nextFree -= PageNum(n)
			return nil, err
		}
		tx.geometryNow = newTotal
	}
	return out, nil
}

// popReclaimedRun pops n contiguous pages off the tail of the descending
// reclaimed PNL (spec §4.1 steps 3, 5): descending sort lets a contiguous
// run be found by scanning from the tail.
func (tx *Txn) popReclaimedRun(n int) ([]PageNum, bool) {
	if len(tx.reclaimed) < n {
		return nil, false
	}
	tail := tx.reclaimed[len(tx.reclaimed)-n:]
	for i := 1; i < n; i++ {
		if tail[i-1] != tail[i]+1 {
			return nil, false
		}
	}
	run := append([]PageNum(nil), tail...)
	// run is currently largest-first; callers expect ascending page order.
	for i, j := 0, len(run)-1; i < j; i, j = i+1, j-1 {
		run[i], run[j] = run[j], run[i]
	}
	tx.reclaimed = tx.reclaimed[:len(tx.reclaimed)-n]
	return run, true
}

// pageNew allocates one page for a node the caller has already built, and
// records it in the dirty list. This is the BTree.new callback.
func (tx *Txn) pageNew(p Page) PageNum {
	ptrs, err := tx.pageAlloc(1)
	if err != nil {
		tx.fail(err)
		return 0
	}
	ptr := ptrs[0]
	tx.pageUse(ptr, p)
	tx.maybeSpill()
	return ptr
}

// pageGet resolves a page number against this transaction's view: check
// this transaction's dirty list, then each ancestor's dirty list up the
// nesting chain, then fall back to the mmap (spec §4.3 "page_get").
func (tx *Txn) pageGet(ptr PageNum) Page {
	for t := tx; t != nil; t = t.parent {
		if t.dirty != nil {
			if p, ok := t.dirty[ptr]; ok {
				return p // dirty always wins, even over a stale spilled mark
			}
		}
		if t.spilled != nil && t.spilled[ptr] {
			break // spilled: already written to its mmap home, stop climbing
		}
	}
	if uint64(ptr) >= tx.nextFreeSnapshot {
		tx.fail(ErrPageNotFound)
	}
	return tx.env.pageAt(ptr)
}

// pageDel routes a freed page by its origin: pages allocated by this same
// transaction go on the loose list (instant in-memory reuse, no GACO round
// trip); everything else becomes a to-be-freed page that turns into a GACO
// entry at commit (spec §4.1 "Freeing").
func (tx *Txn) pageDel(ptr PageNum) {
	if tx.dirty != nil {
		delete(tx.dirty, ptr)
	}
	if ptr >= tx.txnAllocBase {
		tx.loose = append(tx.loose, ptr)
		return
	}
	tx.toBeFree = append(tx.toBeFree, ptr)
}

// pageUse re-associates an already-numbered page with fresh bytes, the
// free-list/GACO analogue of pageNew when a reclaimed page number is being
// reused for a new free-list node in place (kept from the teacher's
// KVTX.pageUse, filodb_storage.go). A page number handed back out by
// pageAlloc may still carry a stale spilled mark from an earlier point in
// this same transaction (maybeSpill spilled it, then it was freed and
// reclaimed again); clear that mark here so pageGet's dirty-over-spilled
// check doesn't need to special-case freshly reused numbers.
func (tx *Txn) pageUse(ptr PageNum, p Page) {
	p.Num = ptr
	if tx.dirty == nil {
		tx.dirty = map[PageNum]Page{}
	}
	tx.dirty[ptr] = p
	if tx.spilled != nil {
		delete(tx.spilled, ptr)
	}
}

// pageTouch is the general copy-on-write primitive (spec §4.1
// "page_touch"): already-dirty is a no-op, a spilled page is unspilled,
// a page dirty in a parent (but not this child) is cloned, and otherwise a
// fresh copy is allocated and the old page number is queued for freeing.
// It returns the page number the caller should use from now on.
func (tx *Txn) pageTouch(ptr PageNum) PageNum {
	if tx.dirty != nil {
		if _, ok := tx.dirty[ptr]; ok {
			return ptr // already dirty in this transaction: no-op
		}
	}
	if tx.spilled != nil && tx.spilled[ptr] {
		old := tx.env.pageAt(ptr)
		cp := Page{Num: ptr, data: append([]byte(nil), old.data...)}
		tx.pageUse(ptr, cp)
		return ptr
	}
	for p := tx.parent; p != nil; p = p.parent {
		if p.dirty != nil {
			if parentPage, ok := p.dirty[ptr]; ok {
				cp := Page{Num: ptr, data: append([]byte(nil), parentPage.data...)}
				tx.pageUse(ptr, cp)
				return ptr
			}
		}
	}
	old := tx.pageGet(ptr)
	newPtrs, err := tx.pageAlloc(1)
	if err != nil {
		tx.fail(err)
		return ptr
	}
	newPtr := newPtrs[0]
	cp := Page{Num: newPtr, data: append([]byte(nil), old.data...)}
	tx.pageUse(newPtr, cp)
	tx.pageDel(ptr)
	tx.refreshCursors(ptr, newPtr)
	return newPtr
}

// maybeSpill evicts the lowest-numbered dirty pages to their home file
// offset once the dirty list exceeds DirtyListCap, bounding memory use
// (spec §4.1 "Dirty list ... spill"). Pages are chosen by number alone; no
// per-page state such as StateKeep exempts a page from being spilled.
func (tx *Txn) maybeSpill() {
	if len(tx.dirty) <= DirtyListCap {
		return
	}
	nums := make([]PageNum, 0, len(tx.dirty))
	for n := range tx.dirty {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	toSpill := len(tx.dirty) - DirtyListCap
	if tx.spilled == nil {
		tx.spilled = map[PageNum]bool{}
	}
	for _, n := range nums[:toSpill] {
		p := tx.dirty[n]
		if _, err := pwriteFile(tx.env.fp.Fd(), p.data, int64(n)*int64(tx.env.pageSize())); err != nil {
			tx.fail(err)
			return
		}
		delete(tx.dirty, n)
		tx.spilled[n] = true
	}
}

// refreshCursors implements spec §4.2 "XCURSOR_REFRESH": after page_touch
// moves a page to a new number, every cursor frame (including sub-cursor
// frame 0) still pointing at the old page is redirected to the new one.
func (tx *Txn) refreshCursors(old, new PageNum) {
	for _, c := range tx.cursors {
		c.refreshPage(old, new)
	}
	for _, c := range tx.shadowed {
		c.refreshPage(old, new)
	}
}
