package store

import (
	"encoding/binary"
)

// Page layout, generalized from the teacher's BNode (filodb_btree.go):
//
//	| pageno | flags | nkeys | lower | upper | txnid/checksum |
//	|   8B   |  2B   |  2B   |  2B   |  2B   |       8B       |
//	|<------------------ PageHeaderSize = 24B ----------------|
//
// Branch/leaf bodies keep the teacher's pointer-array + offset-array +
// physically-unordered-kv-blob shape; nodes gain a one-byte flag (BIG /
// SUBTREE / DUP) the teacher's BNode never needed because it had no
// overflow values, sub-trees, or duplicates.
const (
	PageHeaderSize = 24
	NodeHeaderSize = 6 // klen(2) + vlen(2) + flags(1) + pad(1)
)

// PageFlags identifies a page's type. Exactly one of the BNode-ish bits is
// set for any live page (spec §3 "Page").
type PageFlags uint16

const (
	PageBranch   PageFlags = 0x01
	PageLeaf     PageFlags = 0x02
	PageOverflow PageFlags = 0x04
	PageMeta     PageFlags = 0x08
	PageDenseLeaf PageFlags = 0x10 // DFL: packed equal-sized dup values
)

// PageState is in-memory-only bookkeeping; it is never written to disk
// (spec §3 "every page has ... an unused-in-memory slot").
type PageState uint8

const (
	StateDirty PageState = 1 << iota
	StateLoose
	StateKeep
)

// NodeFlags marks what a leaf/branch node's value actually holds.
type NodeFlags uint8

const (
	NodeBig     NodeFlags = 0x01 // value lives on an overflow run
	NodeSubtree NodeFlags = 0x02 // value is a persistent sub-tree descriptor
	// NodeDup would mark an inline sorted mini-page of a handful of
	// duplicate values, as an alternative to NodeSubtree for small groups.
	// Not produced by this engine: every duplicate group is promoted to a
	// NodeSubtree regardless of size (see btree.go's mergeDup), so the
	// cursor-side navigation this would need never has anything to read.
	NodeDup NodeFlags = 0x04
)

// PageNum is a 32-bit-range page number widened to 64 bits for arithmetic
// convenience; spec §6 bounds real page numbers to 32 bits.
type PageNum uint64

// TxnID is a monotonically increasing transaction identifier. 0 is never a
// valid txnid; MinTxnID is the canonical starting point (spec §9 resolves
// the MDBX_DEVEL stress-mode MinTxnID as out of scope).
type TxnID uint64

const MinTxnID TxnID = 1

// Page is an in-memory handle onto a page's bytes, which may be a slice of
// the mmap (read-only) or a freshly allocated, mutable slice belonging to a
// transaction's dirty list.
type Page struct {
	Num  PageNum
	data []byte
}

func newPage(num PageNum, pageSize int, flags PageFlags) Page {
	p := Page{Num: num, data: make([]byte, pageSize)}
	p.setHeader(flags, 0)
	binary.LittleEndian.PutUint64(p.data[0:8], uint64(num))
	return p
}

func (p Page) Bytes() []byte { return p.data }

func (p Page) flagsRaw() PageFlags {
	return PageFlags(binary.LittleEndian.Uint16(p.data[8:10]))
}

func (p Page) Flags() PageFlags { return p.flagsRaw() }

func (p Page) IsBranch() bool { return p.flagsRaw()&PageBranch != 0 }
func (p Page) IsLeaf() bool   { return p.flagsRaw()&PageLeaf != 0 }
func (p Page) IsDense() bool  { return p.flagsRaw()&PageDenseLeaf != 0 }

func (p Page) NumKeys() uint16 {
	return binary.LittleEndian.Uint16(p.data[10:12])
}

func (p Page) setHeader(flags PageFlags, nkeys uint16) {
	binary.LittleEndian.PutUint16(p.data[8:10], uint16(flags))
	binary.LittleEndian.PutUint16(p.data[10:12], nkeys)
}

func (p Page) setNumKeys(n uint16) {
	binary.LittleEndian.PutUint16(p.data[10:12], n)
}

func (p Page) Lower() uint16 { return binary.LittleEndian.Uint16(p.data[12:14]) }
func (p Page) Upper() uint16 { return binary.LittleEndian.Uint16(p.data[14:16]) }

func (p Page) setLower(v uint16) { binary.LittleEndian.PutUint16(p.data[12:14], v) }
func (p Page) setUpper(v uint16) { binary.LittleEndian.PutUint16(p.data[14:16], v) }

// txnidSlot is the unused-on-disk checksum/dirtying-txnid slot (spec §3).
// Kept purely in memory for debugging: it records which transaction last
// copy-on-wrote this page.
func (p Page) setTxnSlot(id TxnID) {
	binary.LittleEndian.PutUint64(p.data[16:24], uint64(id))
}

func (p Page) txnSlot() TxnID {
	return TxnID(binary.LittleEndian.Uint64(p.data[16:24]))
}

// --- branch/leaf node access (pointer array + offset array + kv blob) ---

func (p Page) getPtr(idx uint16) PageNum {
	assertWithSrc(idx < p.NumKeys(), "getPtr")
	pos := PageHeaderSize + 8*idx
	return PageNum(binary.LittleEndian.Uint64(p.data[pos:]))
}

func (p Page) setPtr(idx uint16, ptr PageNum) {
	assertWithSrc(idx < p.NumKeys(), "setPtr")
	pos := PageHeaderSize + 8*idx
	binary.LittleEndian.PutUint64(p.data[pos:], uint64(ptr))
}

func (p Page) offsetPos(idx uint16) uint16 {
	return PageHeaderSize + 8*p.NumKeys() + 2*(idx-1)
}

func (p Page) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(p.data[p.offsetPos(idx):])
}

func (p Page) setOffset(idx uint16, off uint16) {
	binary.LittleEndian.PutUint16(p.data[p.offsetPos(idx):], off)
}

func (p Page) kvPos(idx uint16) uint16 {
	assertWithSrc(idx <= p.NumKeys(), "kvPos")
	return PageHeaderSize + 8*p.NumKeys() + 2*p.NumKeys() + p.getOffset(idx)
}

func (p Page) getKey(idx uint16) []byte {
	pos := p.kvPos(idx)
	klen := binary.LittleEndian.Uint16(p.data[pos:])
	return p.data[pos+NodeHeaderSize:][:klen]
}

func (p Page) getVal(idx uint16) []byte {
	pos := p.kvPos(idx)
	klen := binary.LittleEndian.Uint16(p.data[pos:])
	vlen := binary.LittleEndian.Uint16(p.data[pos+2:])
	return p.data[pos+NodeHeaderSize+klen:][:vlen]
}

func (p Page) getNodeFlags(idx uint16) NodeFlags {
	pos := p.kvPos(idx)
	return NodeFlags(p.data[pos+4])
}

func (p Page) nbytes() uint16 { return p.kvPos(p.NumKeys()) }

// appendKV writes one node at idx: pointer (branch child, 0 for leaves),
// flags byte, key, and value, advancing the running offset for idx+1.
func (p Page) appendKV(idx uint16, ptr PageNum, flags NodeFlags, key, val []byte) {
	p.setPtr(idx, ptr)
	pos := p.kvPos(idx)
	klen := uint16(len(key))
	vlen := uint16(len(val))
	binary.LittleEndian.PutUint16(p.data[pos+0:], klen)
	binary.LittleEndian.PutUint16(p.data[pos+2:], vlen)
	p.data[pos+4] = byte(flags)
	p.data[pos+5] = 0
	copy(p.data[pos+NodeHeaderSize:], key)
	copy(p.data[pos+NodeHeaderSize+klen:], val)
	p.setOffset(idx+1, p.getOffset(idx)+NodeHeaderSize+klen+vlen)
}

// appendRange copies num nodes [src, src+num) from old into new starting at
// dst, preserving pointers/offsets/kv bytes. Kept from the teacher's
// nodeAppendRange.
func appendRange(new, old Page, dst, src, num uint16) {
	assertWithSrc(src+num <= old.NumKeys(), "appendRange src")
	assertWithSrc(dst+num <= new.NumKeys(), "appendRange dst")
	if num == 0 {
		return
	}
	for i := uint16(0); i < num; i++ {
		new.setPtr(dst+i, old.getPtr(src+i))
	}
	dstBegin := new.getOffset(dst)
	srcBegin := old.getOffset(src)
	for i := uint16(1); i <= num; i++ {
		new.setOffset(dst+i, dstBegin+old.getOffset(src+i)-srcBegin)
	}
	begin := old.kvPos(src)
	end := old.kvPos(src + num)
	copy(new.data[new.kvPos(dst):], old.data[begin:end])
}

// --- overflow runs (spec §3 "Overflow run") ---
//
// The first page of an overflow run carries an 8-byte page-count header
// (then the value length, below) right after the generic page header;
// subsequent pages in the run carry only the generic page header, with no
// page count, and the rest of each page is payload.
func (p Page) overflowPageCount() uint64 {
	return binary.LittleEndian.Uint64(p.data[PageHeaderSize:])
}

func (p Page) setOverflowPageCount(n uint64) {
	binary.LittleEndian.PutUint64(p.data[PageHeaderSize:], n)
}

// overflowValueLen/setOverflowValueLen record the real value length on the
// run's first page, since every page's payload is padded out to a fixed
// size and the tail of the last page would otherwise be ambiguous.
func (p Page) overflowValueLen() uint64 {
	return binary.LittleEndian.Uint64(p.data[PageHeaderSize+8:])
}

func (p Page) setOverflowValueLen(n uint64) {
	binary.LittleEndian.PutUint64(p.data[PageHeaderSize+8:], n)
}

func (p Page) overflowPayload() []byte {
	return p.data[PageHeaderSize+16:]
}

// --- dense fixed leaf (DFL): packed equal-sized duplicate values ---

func (p Page) dflElemSize() uint16 {
	return binary.LittleEndian.Uint16(p.data[PageHeaderSize:])
}

func (p Page) setDFLElemSize(sz uint16) {
	binary.LittleEndian.PutUint16(p.data[PageHeaderSize:], sz)
}

func (p Page) dflBody() []byte {
	return p.data[PageHeaderSize+2:]
}

func (p Page) dflGet(idx uint16) []byte {
	sz := int(p.dflElemSize())
	body := p.dflBody()
	return body[int(idx)*sz:][:sz]
}

func (p Page) dflSet(idx uint16, val []byte) {
	sz := int(p.dflElemSize())
	body := p.dflBody()
	copy(body[int(idx)*sz:], val)
}
