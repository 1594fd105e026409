package store

import "sort"

// GACO (spec §4.5 "Free-space reclamation"): a B+tree keyed by the txnid
// that freed a run of pages, whose value is that run's page-number list
// (PNL). A committed writer appends one entry per commit; a later writer
// reclaims entries whose key is older than every live reader's snapshot.
// Grounded on the teacher's FreeList (filodb_memory.go) generalized from a
// single flat slice-of-freed-pages into the per-txn, age-keyed structure
// spec §4.5 requires for MVCC-safe reclamation.

// gacoEncode lays out a PNL as a run of 8-byte little-endian page numbers,
// kept in descending order so the in-memory reclaimed list (pager.go's
// popReclaimedRun) can pop a contiguous run straight off the tail.
func gacoEncode(pages []PageNum) []byte {
	sorted := append([]PageNum(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	buf := make([]byte, 8*len(sorted))
	for i, p := range sorted {
		putLEUint64(buf[i*8:], uint64(p))
	}
	return buf
}

func gacoDecode(val []byte) []PageNum {
	n := len(val) / 8
	out := make([]PageNum, n)
	for i := 0; i < n; i++ {
		out[i] = PageNum(getLEUint64(val[i*8 : i*8+8]))
	}
	return out
}

func putLEUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func getLEUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func gacoKey(txnid TxnID) []byte {
	var buf [8]byte
	putBEUint64(buf[:], uint64(txnid))
	return buf[:]
}

// gacoPut records one commit's freed-page run under its txnid (spec §4.4
// commit step 5, "GACO entry write").
func (tx *Txn) gacoPut(txnid TxnID, pages []PageNum) error {
	if len(pages) == 0 {
		return nil
	}
	t := tx.treeFor(tx.gacoRoot)
	if err := t.Insert(gacoKey(txnid), gacoEncode(pages)); err != nil {
		return err
	}
	tx.gacoRoot = t.root
	return nil
}

// gacoReclaimMore scans the GACO for entries old enough to be safely
// reused (key strictly below the oldest live reader's snapshot) and folds
// their PNLs into tx.reclaimed (spec §4.5 "reclaim"). Every reclaimable
// entry is consumed in one pass and tx.reclaimed is re-sorted afterwards, so
// the scan order does not change which pages pageAlloc hands out.
// LifoReclaim walks the entries newest-first and, instead of deleting each
// consumed key inline, records it for Txn.Commit to delete.
func (tx *Txn) gacoReclaimMore() error {
	if tx.reclaiming || tx.gacoRoot == 0 {
		return nil
	}
	tx.reclaiming = true
	defer func() { tx.reclaiming = false }()

	t := tx.treeFor(tx.gacoRoot)
	entries := t.collectLessThan(gacoKey(tx.oldestLive))
	if tx.env.opts.LifoReclaim {
		// LifoReclaim leaves consumed entries in the tree until commit, so a
		// second reclaim pass within the same txn would otherwise see (and
		// double-count) the same entries again.
		already := make(map[TxnID]bool, len(tx.lifoConsumed))
		for _, id := range tx.lifoConsumed {
			already[id] = true
		}
		kept := entries[:0]
		for _, e := range entries {
			if !already[TxnID(beUint64(e.key))] {
				kept = append(kept, e)
			}
		}
		entries = kept
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		tx.reclaimed = append(tx.reclaimed, gacoDecode(e.val)...)
		if tx.env.opts.LifoReclaim {
			// Defer the delete to commit (Txn.Commit): record which entry
			// was consumed instead of removing it from the tree right now.
			tx.lifoConsumed = append(tx.lifoConsumed, TxnID(beUint64(e.key)))
		} else {
			t.Delete(e.key)
		}
	}
	tx.gacoRoot = t.root
	sort.Slice(tx.reclaimed, func(i, j int) bool { return tx.reclaimed[i] > tx.reclaimed[j] })
	return nil
}

type gacoEntry struct {
	key, val []byte
}

// collectLessThan gathers every GACO entry whose key is strictly below
// bound, in ascending key order. A plain recursive in-order walk: GACO
// entries are few relative to main-tree data, so this does not need the
// full stack-based Cursor machinery (spec §4.2) the main tree uses.
func (t *tree) collectLessThan(bound []byte) []gacoEntry {
	if t.root == 0 {
		return nil
	}
	var out []gacoEntry
	var walk func(ptr PageNum)
	walk = func(ptr PageNum) {
		node := t.tx.pageGet(ptr)
		if node.IsLeaf() {
			for i := uint16(0); i < node.NumKeys(); i++ {
				k := node.getKey(i)
				if bytesLess(k, bound) {
					out = append(out, gacoEntry{
						key: append([]byte(nil), k...),
						val: append([]byte(nil), node.getVal(i)...),
					})
				}
			}
			return
		}
		for i := uint16(0); i < node.NumKeys(); i++ {
			walk(node.getPtr(i))
		}
	}
	walk(t.root)
	return out
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
