package store

import "fmt"

// txnState is the TXN_ERROR latch (spec §4.4): a transaction moves
// Live -> (Committed | Aborted), or Live -> Broken on the first operation
// that fails, after which every subsequent call is rejected without
// re-attempting the failed work. Modeled as a sum type rather than the
// teacher's single `done bool` (filodb_transactions.go) since a broken
// transaction must still be distinguishable from a cleanly finished one.
type txnState int

const (
	txnLive txnState = iota
	txnBroken
	txnCommitted
	txnAborted
)

// Txn is a single transaction: either one of many concurrent read-only
// snapshots, or the single read-write transaction (nested transactions
// share the writer's slot through the parent chain). Generalized from the
// teacher's KVTX (filodb_transactions.go, filodb_storage.go).
type Txn struct {
	env     *Env
	parent  *Txn
	writer  bool
	state   txnState
	firstErr error

	txnID TxnID

	// snapshot of env geometry/AA roots taken at Begin; mutated in place as
	// this transaction's writes accumulate, published back to env at Commit.
	geometryNow      uint64
	nextFreeSnapshot uint64
	nextFree         PageNum
	txnAllocBase     PageNum // page numbers >= this were allocated by this txn

	gacoRoot  PageNum
	mainRoot  PageNum
	mainFlags AAFlags // snapshot of the main array's descriptor flags (spec §3 AADescriptor)

	dirty    map[PageNum]Page
	spilled  map[PageNum]bool
	loose    []PageNum // pages allocated and freed within this same txn
	toBeFree []PageNum // pages freed this txn, destined for a GACO entry
	reclaimed []PageNum // pages popped from GACO, descending-sorted
	reclaiming bool     // guards against gacoReclaimMore recursing into itself
	lifoConsumed []TxnID // GACO keys consumed this txn under LifoReclaim (spec §4.5)

	appendBias bool // when set, splits leave two keys on the right page (see biasAppend); nothing in this package sets it

	cursors  []*Cursor
	shadowed []*Cursor // parent cursors taken over by this nested txn (see Nested)

	slot *readerSlot // only set for read-only transactions

	oldestLive TxnID // oldest-live-reader boundary captured at Begin (writer only)
}

// Begin starts a read-only transaction: a snapshot of the current meta.
// Kept from the teacher's KV.BeginRead (filodb_transactions.go), adapted
// to the reader-slot-then-reread protocol of spec §4.4.
func (env *Env) Begin() (*Txn, error) {
	env.metaMu.Lock()
	txn := &Txn{
		env:              env,
		txnID:            env.txnID,
		geometryNow:      env.geometry.Now,
		nextFreeSnapshot: env.geometry.Next,
		nextFree:         PageNum(env.geometry.Next),
		gacoRoot:         env.gaco.Root,
		mainRoot:         env.main.Root,
		mainFlags:        env.main.Flags,
	}
	env.metaMu.Unlock()

	txn.slot = env.readers.acquire(txn.txnID)

	// re-read after publishing the slot: if a writer committed in between,
	// our published txnid might already be stale and invisible to future
	// readers' oldestLive computation, so refresh it (spec §4.4 step 3).
	env.metaMu.Lock()
	if env.txnID != txn.txnID {
		txn.txnID = env.txnID
		txn.geometryNow = env.geometry.Now
		txn.nextFreeSnapshot = env.geometry.Next
		txn.nextFree = PageNum(env.geometry.Next)
		txn.gacoRoot = env.gaco.Root
		txn.mainRoot = env.main.Root
		txn.mainFlags = env.main.Flags
		txn.slot.txn = txn.txnID
	}
	env.metaMu.Unlock()
	return txn, nil
}

// BeginWrite starts the single read-write transaction. Kept from the
// teacher's KV.BeginUpdate; a transaction nested inside it is started with
// Txn.Nested, which links the child to its parent.
func (env *Env) BeginWrite() (*Txn, error) {
	env.writerMu.Lock()
	env.metaMu.Lock()
	txn := &Txn{
		env:              env,
		writer:           true,
		txnID:            env.txnID + 1,
		geometryNow:      env.geometry.Now,
		nextFreeSnapshot: env.geometry.Next,
		nextFree:         PageNum(env.geometry.Next),
		txnAllocBase:     PageNum(env.geometry.Next),
		gacoRoot:         env.gaco.Root,
		mainRoot:         env.main.Root,
		mainFlags:        env.main.Flags,
	}
	txn.oldestLive = env.readers.oldestLive(txn.txnID)
	env.metaMu.Unlock()
	return txn, nil
}

// Nested begins a child of a live write transaction (spec §4.4): the
// child sees the parent's uncommitted dirty pages via pageGet's parent
// walk and starts allocation above the parent's current frontier.
//
// Every cursor the parent currently has open is shadowed onto the child
// (spec §4.2 "cursor shadowing across nested transactions" / §4.4): the
// parent is not allowed to use those cursors again until the child
// finishes, so they are simply handed to the child and repointed at it;
// Abort restores them to the parent, and a nested Commit keeps them on
// the (now-merged) parent via mergeIntoParent.
func (tx *Txn) Nested() (*Txn, error) {
	if !tx.writer {
		return nil, ErrTxnReadOnly
	}
	if tx.state != txnLive {
		return nil, ErrBadTxn
	}
	child := &Txn{
		env:              tx.env,
		parent:           tx,
		writer:           true,
		txnID:            tx.txnID,
		geometryNow:      tx.geometryNow,
		nextFreeSnapshot: tx.nextFreeSnapshot,
		nextFree:         tx.nextFree,
		txnAllocBase:     tx.nextFree,
		gacoRoot:         tx.gacoRoot,
		mainRoot:         tx.mainRoot,
		mainFlags:        tx.mainFlags,
		oldestLive:       tx.oldestLive,
		shadowed:         tx.cursors,
	}
	for _, c := range child.shadowed {
		c.tx = child
	}
	tx.cursors = nil
	return child, nil
}

// restoreShadowed hands every cursor this (nested) transaction took over
// from its parent back to the parent on abort: each is repointed at the
// parent and re-registered in its cursor list. A nested Commit does the
// same through mergeIntoParent.
func (tx *Txn) restoreShadowed() {
	if tx.parent == nil {
		return
	}
	for _, c := range tx.shadowed {
		c.tx = tx.parent
	}
	tx.parent.cursors = append(tx.parent.cursors, tx.shadowed...)
}

func (tx *Txn) fail(err error) {
	if tx.state == txnLive {
		tx.state = txnBroken
		tx.firstErr = err
	}
}

func (tx *Txn) checkLive() error {
	switch tx.state {
	case txnBroken:
		return fmt.Errorf("store: broken txn: %w", tx.firstErr)
	case txnCommitted, txnAborted:
		return ErrBadTxn
	}
	return nil
}

// Get looks a key up against the main associative array.
func (tx *Txn) Get(key []byte) ([]byte, bool, error) {
	if err := tx.checkLive(); err != nil {
		return nil, false, err
	}
	return tx.mainTree().Get(key)
}

// Put inserts or replaces a key in the main associative array.
func (tx *Txn) Put(key, val []byte) error {
	if err := tx.checkLive(); err != nil {
		return err
	}
	if !tx.writer {
		return ErrTxnReadOnly
	}
	t := tx.mainTree()
	if err := t.Insert(key, val); err != nil {
		tx.fail(err)
		return err
	}
	tx.mainRoot = t.root
	return tx.checkLive()
}

// Delete removes a key from the main associative array.
func (tx *Txn) Delete(key []byte) (bool, error) {
	if err := tx.checkLive(); err != nil {
		return false, err
	}
	if !tx.writer {
		return false, ErrTxnReadOnly
	}
	t := tx.mainTree()
	ok := t.Delete(key)
	tx.mainRoot = t.root
	return ok, tx.checkLive()
}

// NewCursor opens a cursor over the main associative array (spec §4.2).
func (tx *Txn) NewCursor() *Cursor {
	c := &Cursor{tx: tx, root: tx.mainRoot}
	tx.cursors = append(tx.cursors, c)
	return c
}

// Abort discards every write this transaction made. Kept from the
// teacher's KVTX rollback path (filodb_transactions.go), generalized for
// nested transactions: a child abort simply drops its dirty/loose/toBeFree
// deltas, leaving the parent's state untouched (spec §4.4).
func (tx *Txn) Abort() error {
	if tx.state != txnLive && tx.state != txnBroken {
		return nil
	}
	tx.state = txnAborted
	for _, c := range tx.cursors {
		c.invalidate()
	}
	tx.restoreShadowed()
	if tx.writer && tx.parent == nil {
		tx.env.writerMu.Unlock()
	}
	if tx.slot != nil {
		tx.env.readers.release(tx.slot)
	}
	return nil
}

// Commit publishes this transaction's writes. For a top-level writer this
// spills remaining dirty pages, folds freed pages into a new GACO entry,
// writes every dirty/spilled page to its home offset, syncs per the
// configured durability, and finally writes the meta page with the
// txnid-bracketing barrier (spec §4.4 commit steps 1-7). For a nested
// transaction this instead merges the child's deltas into its parent
// in-memory, deferring the real I/O to whichever ancestor ultimately
// commits at the top level.
func (tx *Txn) Commit() error {
	if err := tx.checkLive(); err != nil {
		return err
	}
	if !tx.writer {
		tx.state = txnCommitted
		if tx.slot != nil {
			tx.env.readers.release(tx.slot)
		}
		return nil
	}

	if tx.parent != nil {
		tx.mergeIntoParent()
		tx.state = txnCommitted
		return nil
	}

	// Under LifoReclaim, gacoReclaimMore deferred deleting the GACO entries
	// it consumed (spec §4.5): finalize that now, by actually removing
	// them, right before this commit's own entry goes in.
	if len(tx.lifoConsumed) > 0 {
		t := tx.treeFor(tx.gacoRoot)
		for _, id := range tx.lifoConsumed {
			t.Delete(gacoKey(id))
		}
		tx.gacoRoot = t.root
	}

	// Any reclaimed pages this transaction pulled out of the GACO but never
	// actually handed out via pageAlloc must be re-released rather than
	// silently lost (spec §4.5 "re-releases them at commit").
	freed := append(append([]PageNum(nil), tx.toBeFree...), tx.loose...)
	freed = append(freed, tx.reclaimed...)
	tx.reclaimed = nil
	if len(freed) > 0 {
		if err := tx.gacoPut(tx.txnID, freed); err != nil {
			tx.fail(err)
			return err
		}
	}

	tx.maybeSpill()
	if err := tx.checkLive(); err != nil {
		return err
	}

	for num, p := range tx.dirty {
		if _, err := pwriteFile(tx.env.fp.Fd(), p.data, int64(num)*int64(tx.env.pageSize())); err != nil {
			tx.fail(err)
			return err
		}
	}

	sync := SyncWeak
	if tx.env.opts.Durability != DurabilityAsync {
		if err := tx.env.syncMmap(); err != nil {
			tx.fail(err)
			return err
		}
	}
	if tx.env.opts.Durability == DurabilitySteady {
		sync = SyncWeak + 1
	}

	m := Meta{
		Magic: DataMagic,
		TxnIDA: tx.txnID,
		Geometry: Geometry{
			Lower: uint64(NumMetas),
			Upper: tx.env.opts.UpperPages,
			Now:   tx.geometryNow,
			Next:  uint64(tx.nextFree),
			Grow:  tx.env.opts.GrowPages,
		},
		GACO: AADescriptor{Root: tx.gacoRoot},
		Main: AADescriptor{Root: tx.mainRoot, Flags: tx.mainFlags},
		Canary: tx.env.canary,
		Sync:   sync,
		TxnIDB: tx.txnID,
	}
	if err := tx.env.writeMeta(m); err != nil {
		tx.fail(err)
		return err
	}
	if sync >= SyncWeak+1 {
		if err := tx.env.syncMmap(); err != nil {
			tx.fail(err)
			return err
		}
	}

	tx.env.metaMu.Lock()
	tx.env.txnID = tx.txnID
	tx.env.geometry = m.Geometry
	tx.env.gaco = m.GACO
	tx.env.main = m.Main
	tx.env.metaMu.Unlock()

	tx.state = txnCommitted
	tx.env.writerMu.Unlock()
	return nil
}

// mergeIntoParent folds a nested transaction's accumulated deltas into its
// parent's in-memory state (spec §4.4 "nested commit"): the parent simply
// absorbs the child's dirty pages, frontier, and free-page lists as if it
// had made those changes itself.
func (tx *Txn) mergeIntoParent() {
	p := tx.parent
	if p.dirty == nil {
		p.dirty = map[PageNum]Page{}
	}
	for n, page := range tx.dirty {
		p.dirty[n] = page
	}
	p.loose = append(p.loose, tx.loose...)
	p.toBeFree = append(p.toBeFree, tx.toBeFree...)
	p.reclaimed = append(p.reclaimed, tx.reclaimed...)
	p.lifoConsumed = append(p.lifoConsumed, tx.lifoConsumed...)
	p.nextFree = tx.nextFree
	p.geometryNow = tx.geometryNow
	p.gacoRoot = tx.gacoRoot
	p.mainRoot = tx.mainRoot
	for _, c := range tx.cursors {
		c.tx = p
	}
	for _, c := range tx.shadowed {
		c.tx = p
	}
	p.cursors = append(tx.shadowed, tx.cursors...)
}
