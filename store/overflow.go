package store

// writeOverflow splits val across as many overflow pages as needed and
// returns the number of the first one (spec §3 "Overflow run", §4.3
// "BIG values"). Generalized from the teacher's lack of any oversize-value
// path (filodb_btree.go capped values at a fixed size); modeled on how the
// rest of the retrieval pack's B+tree stores (e.g. the boltdb-family
// engines) spill large values onto dedicated pages.
func (tx *Txn) writeOverflow(val []byte) (PageNum, error) {
	ps := tx.env.pageSize()
	headerPayload := ps - PageHeaderSize - 16
	bodyPayload := ps - PageHeaderSize

	n := 1
	if len(val) > headerPayload {
		n += (len(val) - headerPayload + bodyPayload - 1) / bodyPayload
	}
	ptrs, err := tx.pageAlloc(n)
	if err != nil {
		return 0, err
	}

	first := newPage(ptrs[0], ps, PageOverflow)
	first.setOverflowPageCount(uint64(n))
	first.setOverflowValueLen(uint64(len(val)))
	rest := val
	take := headerPayload
	if take > len(rest) {
		take = len(rest)
	}
	copy(first.overflowPayload(), rest[:take])
	rest = rest[take:]
	if tx.dirty == nil {
		tx.dirty = map[PageNum]Page{}
	}
	tx.dirty[ptrs[0]] = first

	for i := 1; i < n; i++ {
		p := newPage(ptrs[i], ps, PageOverflow)
		take := bodyPayload
		if take > len(rest) {
			take = len(rest)
		}
		copy(p.data[PageHeaderSize:], rest[:take])
		rest = rest[take:]
		tx.dirty[ptrs[i]] = p
	}
	return ptrs[0], nil
}

// readOverflow reassembles a BIG value from its overflow run.
func (tx *Txn) readOverflow(first PageNum) []byte {
	ps := tx.env.pageSize()
	bodyPayload := ps - PageHeaderSize

	head := tx.pageGet(first)
	n := int(head.overflowPageCount())
	want := int(head.overflowValueLen())
	out := make([]byte, 0, want)
	out = append(out, head.overflowPayload()...)
	for i := 1; i < n; i++ {
		p := tx.pageGet(first + PageNum(i))
		out = append(out, p.data[PageHeaderSize:PageHeaderSize+bodyPayload]...)
	}
	if len(out) > want {
		out = out[:want]
	}
	return out
}
