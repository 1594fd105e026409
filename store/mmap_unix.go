//go:build linux || freebsd || openbsd || netbsd || solaris || darwin

package store

import "golang.org/x/sys/unix"

// Generalized from the teacher's filodb_mmap_unix.go / filodb_mmap_darwin.go,
// which called raw syscall.Mmap/Munmap/Fallocate/Pwrite. x/sys/unix is used
// uniformly across unix-likes here instead of per-OS syscall shims, because
// it additionally exposes Msync, which the commit durability regime (spec
// §4.4 step 6) needs and the bare syscall package does not portably offer.
func mmapFile(fd uintptr, offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(int(fd), offset, length, prot, flags)
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

func fallocateFile(fd uintptr, offset int64, length int64) error {
	return unix.Fallocate(int(fd), 0, offset, length)
}

func pwriteFile(fd uintptr, data []byte, offset int64) (int, error) {
	return unix.Pwrite(int(fd), data, offset)
}

func msyncFile(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
