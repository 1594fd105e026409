package store

import (
	"os"
	"sync"
)

// readerSlot is the in-process analogue of spec §3's "Reader slot": a
// cache-line-aligned lock-file record of (txnid, pid, tid). A real
// multi-process lock file is an OSAL/out-of-scope collaborator (spec §1);
// this keeps the *protocol* spec §4.4 "Read-only begin" describes — slot
// acquire, publish, reread-to-confirm — against an in-process slot table
// guarded by a mutex standing in for the reader mutex.
type readerSlot struct {
	_    [0]byte // cache-line padding placeholder; fields below are the payload
	txn  TxnID   // snapshot txnid, or 0 if the slot is free
	pid  int
	goid uint64 // a cooperative stand-in for an OS thread id
}

type readerTable struct {
	mu    sync.Mutex
	slots []*readerSlot
	next  uint64
}

func newReaderTable() *readerTable {
	return &readerTable{}
}

// acquire allocates (or reuses a freed) slot and publishes txn into it.
// Generalized from the teacher's heap.Push(&kv.readers, tx) in
// KV.BeginRead (filodb_transactions.go) — a heap keyed purely by version —
// into a slot-table keyed by (txn, pid, tid) per spec §3/§6.
func (rt *readerTable) acquire(txn TxnID) *readerSlot {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, s := range rt.slots {
		if s.txn == 0 {
			s.txn, s.pid, s.goid = txn, os.Getpid(), rt.next
			rt.next++
			return s
		}
	}
	s := &readerSlot{txn: txn, pid: os.Getpid(), goid: rt.next}
	rt.next++
	rt.slots = append(rt.slots, s)
	return s
}

// release clears a slot, making it reusable by a future reader (spec §5
// "Cancellation": a dead reader's slot can be reclaimed by any writer).
func (rt *readerTable) release(s *readerSlot) {
	rt.mu.Lock()
	s.txn = 0
	rt.mu.Unlock()
}

// oldestLive returns the minimum snapshot txnid held by any active reader
// slot, or writerTxn if there are none — the GACO reclamation boundary
// (spec §4.5). Generalized from the teacher's `tx.free.minReader =
// kv.readers[0].version` (filodb_transactions.go Begin), which relied on
// the reader heap's min-at-index-0 property; here it's a linear scan since
// slots are reused in place rather than kept heap-ordered.
func (rt *readerTable) oldestLive(writerTxn TxnID) TxnID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	oldest := writerTxn
	for _, s := range rt.slots {
		if s.txn != 0 && s.txn < oldest {
			oldest = s.txn
		}
	}
	return oldest
}
