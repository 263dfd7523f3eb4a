// Package spool implements the hybrid request-body buffer. A spool
// starts as an ordered list of in-memory chunks and switches, at most
// once, to a temporary file when the configured memory threshold is
// crossed. Reads never disturb the append position.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omalloc/scangate/internal/constants"
)

type Mode string

const (
	ModeMemory Mode = "memory"
	ModeHybrid Mode = "hybrid"
)

const (
	// ReadChunkSize bounds a single cursor read.
	ReadChunkSize = 128 << 10
	// flushEvery bounds unsynced bytes in hybrid mode.
	flushEvery = 10 << 20
)

var (
	ErrTooLarge = errors.New("spool: size exceeds configured maximum")
	ErrCleared  = errors.New("spool: already cleared")
)

type Stats struct {
	Mode       Mode
	TotalSize  int64
	MemorySize int64
	DiskSize   int64
}

type Spool struct {
	mu sync.Mutex

	dir             string
	memoryThreshold int64
	maxFileSize     int64

	mode     Mode
	chunks   [][]byte
	total    int64
	memory   int64
	disk     int64
	file     *os.File
	path     string
	unsynced int64
	cleared  bool

	// part metadata, filled by the ingest phase and read by the
	// detection and forward phases.
	Filename     string
	DeclaredType string
	DetectedType string
	DetectMethod string
}

func New(dir string, memoryThreshold, maxFileSize int64) *Spool {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Spool{
		dir:             dir,
		memoryThreshold: memoryThreshold,
		maxFileSize:     maxFileSize,
		mode:            ModeMemory,
	}
}

// Append adds p to the end of the spool. The whole write either
// happens or leaves the spool untouched.
func (s *Spool) Append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared {
		return ErrCleared
	}
	if len(p) == 0 {
		return nil
	}
	if s.total+int64(len(p)) > s.maxFileSize {
		return ErrTooLarge
	}

	if s.mode == ModeMemory && s.total+int64(len(p)) > s.memoryThreshold {
		if err := s.spillLocked(); err != nil {
			return err
		}
	}

	switch s.mode {
	case ModeMemory:
		chunk := make([]byte, len(p))
		copy(chunk, p)
		s.chunks = append(s.chunks, chunk)
		s.memory += int64(len(p))
	case ModeHybrid:
		if _, err := s.file.WriteAt(p, s.disk); err != nil {
			return err
		}
		s.disk += int64(len(p))
		s.unsynced += int64(len(p))
		if s.unsynced >= flushEvery {
			if err := s.file.Sync(); err != nil {
				s.disk -= int64(len(p))
				s.unsynced -= int64(len(p))
				return err
			}
			s.unsynced = 0
		}
	}

	s.total += int64(len(p))
	return nil
}

// spillLocked moves the memory chunks into a fresh temp file. On any
// failure the file is discarded and the spool stays in memory mode
// with unchanged contents.
func (s *Spool) spillLocked() error {
	name := fmt.Sprintf("%s-%d-%d-%s.part",
		constants.AppName, os.Getpid(), time.Now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}

	abort := func(err error) error {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}

	var off int64
	for _, chunk := range s.chunks {
		if _, err := f.WriteAt(chunk, off); err != nil {
			return abort(err)
		}
		off += int64(len(chunk))
	}
	if err := f.Sync(); err != nil {
		return abort(err)
	}

	s.file = f
	s.path = path
	s.mode = ModeHybrid
	s.disk = s.total
	s.memory = 0
	s.chunks = nil
	s.unsynced = 0

	spillTotal.Inc()
	openSpoolFiles.Inc()
	return nil
}

// Preview returns the first min(n, total) bytes without moving any
// cursor. Safe to call repeatedly.
func (s *Spool) Preview(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared {
		return nil, ErrCleared
	}
	if int64(n) > s.total {
		n = int(s.total)
	}
	if n <= 0 {
		return []byte{}, nil
	}

	out := make([]byte, n)
	if _, err := s.readAtLocked(out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// Reader returns a fresh independent cursor positioned at offset.
// Cursors read at most ReadChunkSize bytes per call and work in both
// modes, including across a mode transition.
func (s *Spool) Reader(offset int64) io.ReadCloser {
	return &cursor{sp: s, off: offset}
}

func (s *Spool) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Mode:       s.mode,
		TotalSize:  s.total,
		MemorySize: s.memory,
		DiskSize:   s.disk,
	}
}

// Clear releases memory chunks and removes the temp file. Idempotent.
func (s *Spool) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleared {
		return nil
	}
	s.cleared = true
	s.chunks = nil
	s.memory = 0

	if s.file != nil {
		err := s.file.Close()
		if rmErr := os.Remove(s.path); err == nil {
			err = rmErr
		}
		s.file = nil
		openSpoolFiles.Dec()
		return err
	}
	return nil
}

// Path returns the temp file path, or "" in memory mode.
func (s *Spool) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// readAtLocked fills p from absolute offset off.
func (s *Spool) readAtLocked(p []byte, off int64) (int, error) {
	switch s.mode {
	case ModeHybrid:
		return s.file.ReadAt(p, off)
	default:
		n := 0
		pos := int64(0)
		for _, chunk := range s.chunks {
			if n == len(p) {
				break
			}
			end := pos + int64(len(chunk))
			if end <= off {
				pos = end
				continue
			}
			from := int64(0)
			if off > pos {
				from = off - pos
			}
			n += copy(p[n:], chunk[from:])
			pos = end
		}
		if n < len(p) {
			return n, io.ErrUnexpectedEOF
		}
		return n, nil
	}
}

type cursor struct {
	sp  *Spool
	off int64
}

func (c *cursor) Read(p []byte) (int, error) {
	c.sp.mu.Lock()
	defer c.sp.mu.Unlock()

	if c.sp.cleared {
		return 0, ErrCleared
	}
	remaining := c.sp.total - c.off
	if remaining <= 0 {
		return 0, io.EOF
	}

	n := int64(len(p))
	if n > ReadChunkSize {
		n = ReadChunkSize
	}
	if n > remaining {
		n = remaining
	}

	read, err := c.sp.readAtLocked(p[:n], c.off)
	c.off += int64(read)
	return read, err
}

func (c *cursor) Close() error { return nil }
