package store

// Protection/flag constants passed to mmapFile, kept from the teacher's
// filodb_storage.go (PROT_READ/PROT_WRITE/MAP_SHARED) so the same values
// can be shared across the per-OS mmapFile implementations.
const (
	protRead  = 0x1
	protWrite = 0x2
	mapShared = 0x1
)

func unixProtReadWrite() int { return protRead | protWrite }
func unixMapShared() int     { return mapShared }
