package store

import "encoding/binary"

// Magic is the 56-bit prime used to identify a datafile, shifted left 8
// bits with the format version appended, per spec §6. Grounded on
// other_examples' Giulio2002-gdbx constants.go, which ports the same
// constant from the on-disk format this spec describes.
const (
	magicPrime  uint64 = 0x59659DBDEF4C11
	dataVersion uint64 = 1
	DataMagic   uint64 = (magicPrime << 8) + dataVersion
)

// NumMetas is the number of rotating meta pages (spec §3, §6): txn N
// commits page N mod NumMetas.
const NumMetas = 3

// DataSync signature values (spec §3 "Meta page").
type SyncSignature uint32

const (
	SyncUndefined SyncSignature = 0
	SyncWeak      SyncSignature = 1
	// Any value > SyncWeak means "steady" (fsync'd); callers should treat
	// it as a monotonically increasing content checksum, not just a flag.
)

func (s SyncSignature) Steady() bool { return s > SyncWeak }

// AADescriptor is the persistent descriptor of one associative array
// (spec §3 "Associative array (AA) descriptor"). The teacher has no
// equivalent — FiloDB's master page only ever describes a single tree
// (filodb_storage.go's masterLoad/masterStore). This generalizes that
// single root pointer into the full per-array bookkeeping spec.md
// requires, sized to an 8-byte-aligned analogue of the spec's 48-byte
// layout (flags/depth/elem-size/root/page-counts/entries/seq/created-txn).
type AADescriptor struct {
	Flags         AAFlags
	Depth         uint16
	DFLElemSize   uint16
	Root          PageNum
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
	Entries       uint64
	Sequence      uint64
	CreatedTxnID  TxnID
}

type AAFlags uint16

const (
	AADupSort  AAFlags = 0x01 // duplicate values are sorted per key
	AADupFixed AAFlags = 0x02 // duplicate values are fixed-size (enables DFL)
	AAIntKey   AAFlags = 0x04
	AAIntVal   AAFlags = 0x08
)

const aaDescriptorSize = 64

func encodeAADescriptor(buf []byte, d AADescriptor) {
	binary.LittleEndian.PutUint16(buf[0:], uint16(d.Flags))
	binary.LittleEndian.PutUint16(buf[2:], d.Depth)
	binary.LittleEndian.PutUint16(buf[4:], d.DFLElemSize)
	binary.LittleEndian.PutUint64(buf[8:], uint64(d.Root))
	binary.LittleEndian.PutUint64(buf[16:], d.BranchPages)
	binary.LittleEndian.PutUint64(buf[24:], d.LeafPages)
	binary.LittleEndian.PutUint64(buf[32:], d.OverflowPages)
	binary.LittleEndian.PutUint64(buf[40:], d.Entries)
	binary.LittleEndian.PutUint64(buf[48:], d.Sequence)
	binary.LittleEndian.PutUint64(buf[56:], uint64(d.CreatedTxnID))
}

func decodeAADescriptor(buf []byte) AADescriptor {
	return AADescriptor{
		Flags:         AAFlags(binary.LittleEndian.Uint16(buf[0:])),
		Depth:         binary.LittleEndian.Uint16(buf[2:]),
		DFLElemSize:   binary.LittleEndian.Uint16(buf[4:]),
		Root:          PageNum(binary.LittleEndian.Uint64(buf[8:])),
		BranchPages:   binary.LittleEndian.Uint64(buf[16:]),
		LeafPages:     binary.LittleEndian.Uint64(buf[24:]),
		OverflowPages: binary.LittleEndian.Uint64(buf[32:]),
		Entries:       binary.LittleEndian.Uint64(buf[40:]),
		Sequence:      binary.LittleEndian.Uint64(buf[48:]),
		CreatedTxnID:  TxnID(binary.LittleEndian.Uint64(buf[56:])),
	}
}

// Geometry holds the datafile's page-based sizing fields (spec §6).
type Geometry struct {
	Lower uint64 // minimum size, in pages
	Upper uint64 // maximum size, in pages
	Now   uint64 // current size, in pages
	Next  uint64 // next-free-page counter
	Grow  uint64 // growth increment, in pages
	Shrink uint64 // shrink threshold, in pages
}

// Meta is the decoded contents of one meta page (spec §3 "Meta page").
// TxnIDA and TxnIDB bracket the body; a torn write leaves them unequal.
type Meta struct {
	Magic    uint64
	TxnIDA   TxnID
	Geometry Geometry
	GACO     AADescriptor
	Main     AADescriptor
	Canary   uint64
	Sync     SyncSignature
	TxnIDB   TxnID
}

// Intact reports whether the bracketing txnid fields agree, i.e. the meta
// page was not torn by a crash mid-write (spec §3 invariant, §8 law).
func (m Meta) Intact() bool { return m.TxnIDA == m.TxnIDB }

const metaBodySize = 8 + 8 + 6*8 + aaDescriptorSize*2 + 8 + 4 // magic+txnidA+geom+2*aa+canary+sync
const metaPageSize = metaBodySize + 8                          // + trailing txnidB

func encodeMeta(page Page, m Meta) {
	page.setHeader(PageMeta, 0)
	buf := page.data[PageHeaderSize:]
	binary.LittleEndian.PutUint64(buf[0:], m.Magic)
	binary.LittleEndian.PutUint64(buf[8:], uint64(m.TxnIDA))
	g := buf[16:]
	binary.LittleEndian.PutUint64(g[0:], m.Geometry.Lower)
	binary.LittleEndian.PutUint64(g[8:], m.Geometry.Upper)
	binary.LittleEndian.PutUint64(g[16:], m.Geometry.Now)
	binary.LittleEndian.PutUint64(g[24:], m.Geometry.Next)
	binary.LittleEndian.PutUint64(g[32:], m.Geometry.Grow)
	binary.LittleEndian.PutUint64(g[40:], m.Geometry.Shrink)
	off := 16 + 48
	encodeAADescriptor(buf[off:], m.GACO)
	off += aaDescriptorSize
	encodeAADescriptor(buf[off:], m.Main)
	off += aaDescriptorSize
	binary.LittleEndian.PutUint64(buf[off:], m.Canary)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.Sync))
	off += 4
	// explicit store barrier point: the second txnid is written last, so
	// that a reader observing a torn meta always sees TxnIDA != TxnIDB.
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.TxnIDB))
}

func decodeMeta(page Page) (Meta, bool) {
	buf := page.data[PageHeaderSize:]
	magic := binary.LittleEndian.Uint64(buf[0:])
	if magic != DataMagic {
		return Meta{}, false
	}
	m := Meta{Magic: magic}
	m.TxnIDA = TxnID(binary.LittleEndian.Uint64(buf[8:]))
	g := buf[16:]
	m.Geometry = Geometry{
		Lower:  binary.LittleEndian.Uint64(g[0:]),
		Upper:  binary.LittleEndian.Uint64(g[8:]),
		Now:    binary.LittleEndian.Uint64(g[16:]),
		Next:   binary.LittleEndian.Uint64(g[24:]),
		Grow:   binary.LittleEndian.Uint64(g[32:]),
		Shrink: binary.LittleEndian.Uint64(g[40:]),
	}
	off := 16 + 48
	m.GACO = decodeAADescriptor(buf[off:])
	off += aaDescriptorSize
	m.Main = decodeAADescriptor(buf[off:])
	off += aaDescriptorSize
	m.Canary = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.Sync = SyncSignature(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	m.TxnIDB = TxnID(binary.LittleEndian.Uint64(buf[off:]))
	return m, true
}
