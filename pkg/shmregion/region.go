// Package shmregion implements a fixed-size byte range, backed by a named
// OS shared-memory object, that
// every attaching process maps into its own address space. This package
// performs no locking of its own — callers (pkg/shmlock, internal/engine)
// are responsible for the locking protocol around reads and writes.
package shmregion

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	atomicfile "github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned when a read or write falls outside the region.
var ErrOutOfRange = errors.New("shmregion: offset/length out of range")

// DefaultDir is where named regions are created when no directory is given
// explicitly. /dev/shm is a tmpfs shared-memory mount on Linux; it is the
// natural POSIX-shared-memory-object analogue. Falls back to os.TempDir()
// when /dev/shm does not exist (e.g. non-Linux dev boxes), which keeps the
// region file-backed but loses the "never touches disk" property —
// acceptable for local development and tests.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}

// Region is a SharedRegion attachment: a fixed-size byte range mapped from
// a named backing file. Multiple processes may attach the same name
// concurrently; each gets its own Region value over the same physical
// pages.
type Region struct {
	path string
	size int64

	file *os.File
	mm   mmap.MMap
}

// Create creates a new named region of exactly size bytes, zeroed, at
// dir/name. It is an error for the region to already exist — callers that
// want create-or-attach semantics should try Attach first. The backing
// file is created atomically (via natefinch/atomic) so that two racing
// first-attachers never observe a torn, partially truncated file before
// mmap'ing it; once created, all further mutation goes through the page
// cache under the lock protocol, never through file replacement.
func Create(dir, name string, size int64) (*Region, error) {
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("shmregion: %q already exists", path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("shmregion: stat %q: %w", path, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shmregion: mkdir %q: %w", dir, err)
	}

	zero := &zeroReader{n: size}

	if err := atomicfile.WriteFile(path, zero); err != nil {
		return nil, fmt.Errorf("shmregion: create %q: %w", path, err)
	}

	return Attach(dir, name, size)
}

// Attach opens an existing named region and maps it into this process. The
// size passed must match the region's on-disk size (the caller — typically
// internal/engine, passing through the size it was given — is responsible
// for agreeing on size out of band, e.g. via Options at first creation).
func Attach(dir, name string, size int64) (*Region, error) {
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmregion: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: stat %q: %w", path, err)
	}

	if info.Size() != size {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: %q has size %d, want %d", path, info.Size(), size)
	}

	mm, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shmregion: mmap %q: %w", path, err)
	}

	return &Region{path: path, size: size, file: f, mm: mm}, nil
}

// Read returns a copy of length bytes starting at offset. Copying (rather
// than returning a slice of the mapping) keeps callers from accidentally
// holding a reference into shared memory past the lock scope that made the
// read safe.
func (r *Region) Read(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > r.size {
		return nil, ErrOutOfRange
	}

	out := make([]byte, length)
	copy(out, r.mm[offset:offset+length])

	return out, nil
}

// Write copies data into the region starting at offset.
func (r *Region) Write(offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > r.size {
		return ErrOutOfRange
	}

	copy(r.mm[offset:offset+int64(len(data))], data)

	return nil
}

// Size returns the region's fixed byte size.
func (r *Region) Size() int64 { return r.size }

// Path returns the backing file path, mostly useful for deriving a sibling
// lock directory.
func (r *Region) Path() string { return r.path }

// Flush asks the OS to write dirty pages back to the backing file. Not
// required for correctness between attached processes (they all see the
// same pages through the page cache), only for durability of the backing
// file across a full OS restart, which this cache does not promise.
func (r *Region) Flush() error {
	if err := r.mm.Flush(); err != nil {
		return fmt.Errorf("shmregion: flush %q: %w", r.path, err)
	}

	return nil
}

// Close unmaps the region and closes the backing file descriptor in this
// process. It does not affect other attached processes.
func (r *Region) Close() error {
	var firstErr error

	if err := r.mm.Unmap(); err != nil {
		firstErr = fmt.Errorf("shmregion: unmap %q: %w", r.path, err)
	}

	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shmregion: close %q: %w", r.path, err)
	}

	return firstErr
}

// Destroy removes the named region's backing object entirely. Any process
// still holding a Region attachment keeps its existing mapping (POSIX
// unlink-while-mapped semantics); new Attach calls will fail until
// something re-Creates the name.
func Destroy(dir, name string) error {
	path := filepath.Join(dir, name)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmregion: destroy %q: %w", path, err)
	}

	return nil
}

// zeroReader implements io.Reader, yielding n zero bytes. Used to size the
// backing file at creation without allocating a size-byte buffer (regions
// are typically tens of megabytes).
type zeroReader struct {
	n int64
}

func (z *zeroReader) Read(p []byte) (int, error) {
	if z.n <= 0 {
		return 0, io.EOF
	}

	toWrite := int64(len(p))
	if toWrite > z.n {
		toWrite = z.n
	}

	for i := int64(0); i < toWrite; i++ {
		p[i] = 0
	}

	z.n -= toWrite

	return int(toWrite), nil
}

// PageSize returns the OS page size via golang.org/x/sys/unix. Nothing in
// this module calls it; internal/layout does not check zone alignment
// against the page size.
func PageSize() int {
	return unix.Getpagesize()
}
