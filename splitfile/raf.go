package splitfile

import (
	"fmt"
	"os"
	"sync"
)

// RAF is a scoped-lock random-access file. Callers acquire the exclusive
// I/O lock with OpenLock and hold it for the duration of any multi-step
// sequence that must appear atomic to other RAF users.
type RAF struct {
	mu sync.Mutex
	f  *os.File
}

// NewRAF wraps an open file handle.
func NewRAF(f *os.File) *RAF {
	return &RAF{f: f}
}

// OpenRAF opens or creates the file at path for random access.
func OpenRAF(path string) (*RAF, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scratch file: %w", err)
	}
	return &RAF{f: f}, nil
}

// OpenLock acquires the exclusive I/O lock. The caller must call
// Release on every exit path.
func (r *RAF) OpenLock() *RAFLock {
	r.mu.Lock()
	return &RAFLock{raf: r}
}

// Close closes the underlying file.
func (r *RAF) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// RAFLock is the held I/O lock; positional reads and writes are only
// available through it.
type RAFLock struct {
	raf      *RAF
	released bool
}

// Pread reads len(buf) bytes at the given offset.
func (l *RAFLock) Pread(off int64, buf []byte) error {
	if _, err := l.raf.f.ReadAt(buf, off); err != nil {
		return newDiskReadError(off, err)
	}
	return nil
}

// Pwrite writes buf at the given offset.
func (l *RAFLock) Pwrite(off int64, buf []byte) error {
	if _, err := l.raf.f.WriteAt(buf, off); err != nil {
		return newDiskWriteError(off, err)
	}
	return nil
}

// Release drops the I/O lock. Safe to call more than once.
func (l *RAFLock) Release() {
	if l.released {
		return
	}
	l.released = true
	l.raf.mu.Unlock()
}

// pread acquires the lock for a single positional read.
func (r *RAF) pread(off int64, buf []byte) error {
	lock := r.OpenLock()
	defer lock.Release()
	return lock.Pread(off, buf)
}

// pwrite acquires the lock for a single positional write.
func (r *RAF) pwrite(off int64, buf []byte) error {
	lock := r.OpenLock()
	defer lock.Release()
	return lock.Pwrite(off, buf)
}
