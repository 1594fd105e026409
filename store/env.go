package store

import (
	"fmt"
	"os"
	"sync"
)

// DurabilityMode controls the fsync regime used at commit (spec §3 "Meta
// page" data-sync signature, §4.4 commit step 6).
type DurabilityMode int

const (
	// DurabilityAsync never calls msync/fdatasync; the written signature
	// stays Weak until an external sync happens.
	DurabilityAsync DurabilityMode = iota
	// DurabilityWeak syncs page data but writes a Weak meta signature.
	DurabilityWeak
	// DurabilitySteady syncs both page data and the meta page itself,
	// writing a Steady (>1) signature — the default, safest mode.
	DurabilitySteady
)

// Options configures a new or existing environment. Generalizes the
// teacher's single hardcoded `fileName` constant (filodb_engine.go) into a
// caller-supplied path plus the geometry/durability knobs spec §6 names,
// in the Options-struct idiom used by bbolt/boltdb-family stores in the
// retrieval pack.
type Options struct {
	PageSize    int // power of two, 512..65536; 0 => 4096
	InitialPages uint64 // initial file size in pages; 0 => 1024
	GrowPages   uint64 // growth increment in pages; 0 => InitialPages/8 or 1
	UpperPages  uint64 // maximum file size in pages; 0 => unbounded growth
	Durability  DurabilityMode
	ReadOnly    bool
	LifoReclaim bool // spec §4.5 "FIFO-reclaim (lifo_reclaimed) variant"
	DupSort     bool // main array allows multiple sorted values per key (spec §4.2)
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.InitialPages == 0 {
		o.InitialPages = 1024
	}
	if o.GrowPages == 0 {
		o.GrowPages = o.InitialPages / 8
		if o.GrowPages == 0 {
			o.GrowPages = 1
		}
	}
	return o
}

// Env is the shared, process-wide environment: one open datafile, its mmap,
// the reader table, and the single writer mutex. Generalized from the
// teacher's KV struct (filodb_storage.go).
type Env struct {
	path string
	opts Options

	fp *os.File

	mmapMu sync.Mutex
	mmap   struct {
		fileSize int
		total    int
		chunks   [][]byte
	}

	geometry Geometry
	gaco     AADescriptor
	main     AADescriptor
	canary   uint64

	metaMu sync.Mutex // protects txnID/gaco/main as published to new readers/writers
	txnID  TxnID

	writerMu sync.Mutex

	readers *readerTable

	closed bool
}

// Open opens (creating if necessary) the datafile at path and recovers the
// most recent intact meta page. Generalized from the teacher's KV.Open.
func Open(path string, opts Options) (*Env, error) {
	opts = opts.withDefaults()
	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	fp, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	env := &Env{path: path, opts: opts, fp: fp, readers: newReaderTable()}

	if err := env.mmapInit(); err != nil {
		env.fp.Close()
		return nil, fmt.Errorf("store: mmap init: %w", err)
	}
	if err := env.recover(); err != nil {
		env.Close()
		return nil, fmt.Errorf("store: recover: %w", err)
	}
	return env, nil
}

func (env *Env) Close() error {
	if env.closed {
		return nil
	}
	env.closed = true
	for _, chunk := range env.mmap.chunks {
		if err := unmapFile(chunk); err != nil {
			Logger.Printf("unmap: %v", err)
		}
	}
	return env.fp.Close()
}

func (env *Env) pageSize() int { return env.opts.PageSize }

// syncMmap flushes every mapped chunk to disk (spec §4.4 commit step 6).
func (env *Env) syncMmap() error {
	for _, chunk := range env.mmap.chunks {
		if err := msyncFile(chunk); err != nil {
			return err
		}
	}
	return nil
}

// mmapInit maps the existing file (or, for a fresh file, a minimum-size
// window so the first NumMetas pages plus headroom exist). Kept from the
// teacher's mmapInit (filodb_storage.go), generalized to page-geometry
// units instead of a single byte-size constant.
func (env *Env) mmapInit() error {
	fi, err := env.fp.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	ps := int64(env.pageSize())
	if fi.Size()%ps != 0 {
		return ErrCorrupted
	}

	minBytes := int64(env.opts.InitialPages) * ps
	mmapSize := 64 << 20
	for int64(mmapSize) < fi.Size() || int64(mmapSize) < minBytes {
		mmapSize *= 2
	}

	prot := unixProtReadWrite()
	chunk, err := mmapFile(env.fp.Fd(), 0, mmapSize, prot, unixMapShared())
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	env.mmap.fileSize = int(fi.Size())
	env.mmap.total = len(chunk)
	env.mmap.chunks = [][]byte{chunk}
	return nil
}

func (env *Env) extendMmap(pages uint64) error {
	need := int(pages) * env.pageSize()
	if env.mmap.total >= need {
		return nil
	}
	chunk, err := mmapFile(env.fp.Fd(), int64(env.mmap.total), env.mmap.total, unixProtReadWrite(), unixMapShared())
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	env.mmap.total += env.mmap.total
	env.mmap.chunks = append(env.mmap.chunks, chunk)
	return nil
}

// extendFile grows the backing file toward `pages` in steps of GrowPages,
// respecting Options.UpperPages (spec §4.1 step 4: MAP_FULL past upper).
func (env *Env) extendFile(pages uint64) error {
	filePages := uint64(env.mmap.fileSize) / uint64(env.pageSize())
	if filePages >= pages {
		return nil
	}
	if env.opts.UpperPages != 0 && pages > env.opts.UpperPages {
		return ErrMapFull
	}
	for filePages < pages {
		inc := env.opts.GrowPages
		if inc < 1 {
			inc = 1
		}
		filePages += inc
	}
	if env.opts.UpperPages != 0 && filePages > env.opts.UpperPages {
		filePages = env.opts.UpperPages
	}
	fileSize := int64(filePages) * int64(env.pageSize())
	if err := fallocateFile(env.fp.Fd(), 0, fileSize); err != nil {
		if err := env.fp.Truncate(fileSize); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	env.mmap.fileSize = int(fileSize)
	env.geometry.Now = filePages
	return nil
}

// pageAt returns the page at num, resolved against whichever mmap chunk
// currently covers it. Generalized from the teacher's pageGetMapped.
func (env *Env) pageAt(num PageNum) Page {
	ps := uint64(env.pageSize())
	start := uint64(0)
	for _, chunk := range env.mmap.chunks {
		end := start + uint64(len(chunk))/ps
		if uint64(num) < end {
			off := ps * (uint64(num) - start)
			return Page{Num: num, data: chunk[off : off+ps]}
		}
		start = end
	}
	panic("store: bad page number")
}

// recover reads meta pages 0..NumMetas-1, discards torn or bad-magic ones,
// and adopts the highest-txnid steady meta (falling back to the highest
// intact meta of any signature) as the durable snapshot (spec §3
// invariant, §7 "Crash recovery").
func (env *Env) recover() error {
	if env.mmap.fileSize == 0 {
		// fresh file: reserve the meta pages and seed an empty main/GACO.
		env.geometry = Geometry{
			Lower: uint64(NumMetas),
			Upper: env.opts.UpperPages,
			Now:   env.opts.InitialPages,
			Next:  uint64(NumMetas),
			Grow:  env.opts.GrowPages,
		}
		mainFlags := AAFlags(0)
		if env.opts.DupSort {
			mainFlags |= AADupSort
		}
		env.main = AADescriptor{Root: 0, Flags: mainFlags}
		env.gaco = AADescriptor{Root: 0}
		env.txnID = MinTxnID - 1
		if err := env.extendFile(env.opts.InitialPages); err != nil {
			return err
		}
		return env.extendMmap(env.geometry.Now)
	}

	var best Meta
	var found bool
	for i := 0; i < NumMetas; i++ {
		page := env.pageAt(PageNum(i))
		m, ok := decodeMeta(page)
		if !ok || !m.Intact() {
			continue // bad signature or torn write: ignore this copy
		}
		if !found || betterMeta(m, best) {
			best, found = m, true
		}
	}
	if !found {
		return ErrCorrupted
	}
	env.geometry = best.Geometry
	env.gaco = best.GACO
	env.main = best.Main
	env.canary = best.Canary
	env.txnID = best.TxnIDA
	return env.extendMmap(env.geometry.Now)
}

func betterMeta(candidate, current Meta) bool {
	if candidate.Sync.Steady() != current.Sync.Steady() {
		return candidate.Sync.Steady()
	}
	return candidate.TxnIDA > current.TxnIDA
}

// writeMeta persists a meta for txnid at page (txnid mod NumMetas),
// writing the second txnid field last with an intervening store barrier
// so a reader mid-write always sees a torn (and thus ignorable) copy
// (spec §4.4 commit step 7, §5 "Ordering guarantees").
func (env *Env) writeMeta(m Meta) error {
	target := int(m.TxnIDA % TxnID(NumMetas))
	var buf [PageHeaderSize + metaPageSize]byte
	page := Page{Num: PageNum(target), data: buf[:]}
	encodeMeta(page, m)

	off := int64(target) * int64(env.pageSize())
	body := page.data[:len(page.data)-8]
	if _, err := pwriteFile(env.fp.Fd(), body, off); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if _, err := pwriteFile(env.fp.Fd(), page.data[len(body):], off+int64(len(body))); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}
