package env

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Default returns the operating-system environment.
func Default() Env {
	return defaultEnv
}

var defaultEnv = &posixEnv{locked: make(map[string]bool)}

// posixEnv implements Env on the local filesystem. Random-access
// files are memory mapped; sequential writes go through a bufio
// writer with explicit fdatasync-style syncs.
type posixEnv struct {
	mu     sync.Mutex
	locked map[string]bool // absolute paths locked by this process
}

func (e *posixEnv) NewSequentialFile(name string) (SequentialFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return &posixSequentialFile{f: f}, nil
}

type posixSequentialFile struct {
	f *os.File
}

func (s *posixSequentialFile) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *posixSequentialFile) Skip(n int64) error {
	_, err := s.f.Seek(n, io.SeekCurrent)
	return err
}

func (s *posixSequentialFile) Close() error { return s.f.Close() }

func (e *posixEnv) NewRandomAccessFile(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		// mmap rejects empty files; positional reads on one always
		// hit EOF anyway.
		return &posixRandomAccessFile{f: f}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// Fall back to pread when the mapping fails (e.g. exotic
		// filesystems or address-space pressure).
		return &posixRandomAccessFile{f: f}, nil
	}
	return &mmapRandomAccessFile{f: f, data: m}, nil
}

type posixRandomAccessFile struct {
	f *os.File
}

func (r *posixRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *posixRandomAccessFile) Close() error { return r.f.Close() }

type mmapRandomAccessFile struct {
	f    *os.File
	data mmap.MMap
}

func (r *mmapRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("env: read at %d past mapped size %d", off, len(r.data))
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *mmapRandomAccessFile) Close() error {
	if err := r.data.Unmap(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

func (e *posixEnv) NewWritableFile(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &posixWritableFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (e *posixEnv) NewAppendableFile(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &posixWritableFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

type posixWritableFile struct {
	f *os.File
	w *bufio.Writer
}

func (p *posixWritableFile) Append(data []byte) error {
	_, err := p.w.Write(data)
	return err
}

func (p *posixWritableFile) Flush() error { return p.w.Flush() }

func (p *posixWritableFile) Sync() error {
	if err := p.w.Flush(); err != nil {
		return err
	}
	return p.f.Sync()
}

func (p *posixWritableFile) Close() error {
	if err := p.w.Flush(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}

func (e *posixEnv) FileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (e *posixEnv) GetChildren(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (e *posixEnv) RemoveFile(name string) error { return os.Remove(name) }

func (e *posixEnv) CreateDir(name string) error { return os.Mkdir(name, 0755) }

func (e *posixEnv) RemoveDir(name string) error { return os.Remove(name) }

func (e *posixEnv) GetFileSize(name string) (int64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (e *posixEnv) RenameFile(src, dst string) error { return os.Rename(src, dst) }

func (e *posixEnv) LockFile(name string) (FileLock, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}

	// flock is per file description, so guard against the same
	// process locking twice through separate descriptors.
	e.mu.Lock()
	if e.locked[abs] {
		e.mu.Unlock()
		return nil, fmt.Errorf("env: lock on %s already held by this process", name)
	}
	e.locked[abs] = true
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.locked, abs)
		e.mu.Unlock()
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		release()
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		release()
		return nil, fmt.Errorf("env: lock %s: %w", name, err)
	}

	// Record the holder for operators inspecting a stuck lock.
	owner := fmt.Sprintf("pid=%d instance=%s\n", os.Getpid(), uuid.NewString())
	f.Truncate(0)
	f.WriteAt([]byte(owner), 0)

	return &posixFileLock{f: f, release: release}, nil
}

type posixFileLock struct {
	f       *os.File
	release func()
}

func (l *posixFileLock) Release() error {
	defer l.release()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func (e *posixEnv) NowMicros() int64 {
	return time.Now().UnixMicro()
}

func (e *posixEnv) SleepForMicroseconds(micros int) {
	time.Sleep(time.Duration(micros) * time.Microsecond)
}
