// Package recorder captures the bytes of a fetch into a bounded in-memory
// prefix that spills to a per-worker backing file, and replays them as a byte
// stream or as a decoded character sequence.
package recorder

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // content digests follow the archival sha1 convention
	"encoding/base32"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

const (
	// DefaultPrefixSize is the in-memory capture size when Config leaves it unset.
	DefaultPrefixSize = 64 * 1024
	diskBufferSize    = 4096
	inSuffix          = ".in"
)

var (
	// ErrInvalidated is returned by replay views whose recorder has been
	// reopened or cleaned up since the view was created.
	ErrInvalidated = errors.New("recorder reused or discarded since view was created")
	// ErrClosed is returned when writing to a recorder that is not open.
	ErrClosed = errors.New("recorder is not open")
	// ErrStillOpen is returned when a replay view is requested before Close.
	ErrStillOpen = errors.New("recorder is still open")
)

// Config controls one Recorder.
type Config struct {
	// Dir is the scratch directory holding backing files.
	Dir string
	// Name is the backing file base name, derived from the worker ordinal.
	Name string
	// PrefixSize is the number of bytes kept in memory before spilling.
	PrefixSize int
	// RecenterDivisor places the char sequence window around a backward
	// fault: the window starts at target - window/RecenterDivisor.
	RecenterDivisor int
}

// BackingName returns the deterministic base name for a worker's scratch files.
func BackingName(ordinal int) string {
	return fmt.Sprintf("tt%dhttp", ordinal)
}

// Recorder shadows every byte written during a fetch. One instance is reused
// by a worker across items; it is not safe for concurrent writers.
type Recorder struct {
	cfg  Config
	path string

	prefix    []byte
	position  int64
	size      int64
	bodyStart int64

	file    *os.File
	disk    *bufio.Writer
	wrapped io.Writer
	digest  hash.Hash

	open       bool
	closed     bool
	generation atomic.Uint64
}

// New validates cfg and allocates the prefix buffer. No file is touched until Open.
func New(cfg Config) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, errors.New("recorder scratch dir is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("recorder name is required")
	}
	if cfg.PrefixSize <= 0 {
		cfg.PrefixSize = DefaultPrefixSize
	}
	if cfg.RecenterDivisor <= 0 {
		cfg.RecenterDivisor = 2
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Recorder{
		cfg:    cfg,
		path:   filepath.Join(cfg.Dir, cfg.Name+inSuffix),
		prefix: make([]byte, cfg.PrefixSize),
	}, nil
}

// Path returns the backing file path.
func (r *Recorder) Path() string {
	return r.path
}

// PrefixSize returns the in-memory capture capacity.
func (r *Recorder) PrefixSize() int {
	return len(r.prefix)
}

// Open resets the recorder and starts shadowing writes destined for wrapped,
// which may be nil when only capture is wanted. Views created before Open
// become invalid.
func (r *Recorder) Open(wrapped io.Writer) error {
	if r.open {
		if err := r.Close(); err != nil {
			return err
		}
	}
	r.generation.Add(1)
	r.position = 0
	r.size = 0
	r.bodyStart = 0
	r.digest = nil
	r.wrapped = wrapped
	r.closed = false

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open backing file %s: %w", r.path, err)
	}
	r.file = f
	if r.disk == nil {
		r.disk = bufio.NewWriterSize(f, diskBufferSize)
	} else {
		r.disk.Reset(f)
	}
	r.open = true
	return nil
}

// Write captures p and then forwards it to the wrapped sink. Captured bytes
// count even when the wrapped sink fails; its error is returned afterwards.
func (r *Recorder) Write(p []byte) (int, error) {
	if !r.open {
		return 0, ErrClosed
	}
	if err := r.record(p); err != nil {
		return 0, err
	}
	if r.wrapped == nil {
		return len(p), nil
	}
	n, err := r.wrapped.Write(p)
	if err != nil {
		return n, fmt.Errorf("write wrapped sink: %w", err)
	}
	return n, nil
}

func (r *Recorder) record(p []byte) error {
	if r.digest != nil {
		_, _ = r.digest.Write(p)
	}
	rest := p
	if r.position < int64(len(r.prefix)) {
		n := copy(r.prefix[r.position:], rest)
		rest = rest[n:]
		r.position += int64(n)
	}
	if len(rest) == 0 {
		return nil
	}
	// position counts the bytes even if the disk write fails part way.
	r.position += int64(len(rest))
	if _, err := r.disk.Write(rest); err != nil {
		return fmt.Errorf("write backing file: %w", err)
	}
	return nil
}

// MarkBodyStart records the current position as the header/body boundary.
func (r *Recorder) MarkBodyStart() {
	r.bodyStart = r.position
}

// StartDigest begins a SHA-1 over the bytes written from now on.
func (r *Recorder) StartDigest() {
	r.digest = sha1.New() //nolint:gosec // see import
}

// Digest returns the digest started by StartDigest in "sha1:BASE32" form, or
// "" when no digest was started.
func (r *Recorder) Digest() string {
	if r.digest == nil {
		return ""
	}
	return "sha1:" + base32.StdEncoding.EncodeToString(r.digest.Sum(nil))
}

// Close flushes and closes the backing file and freezes the size. Calling it
// again is a no-op.
func (r *Recorder) Close() error {
	if !r.open {
		return nil
	}
	r.open = false
	r.closed = true
	r.size = r.position
	var errs []error
	if err := r.disk.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush backing file: %w", err))
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backing file: %w", err))
	}
	r.file = nil
	r.wrapped = nil
	return errors.Join(errs...)
}

// Size returns the bytes captured so far, frozen once closed.
func (r *Recorder) Size() int64 {
	if r.closed {
		return r.size
	}
	return r.position
}

// BodyStart returns the marked header/body boundary.
func (r *Recorder) BodyStart() int64 {
	return r.bodyStart
}

// BodySize returns the number of captured bytes after the body mark.
func (r *Recorder) BodySize() int64 {
	return r.Size() - r.bodyStart
}

// Cleanup closes the recorder, invalidates every view, and removes scratch files.
func (r *Recorder) Cleanup() error {
	err := r.Close()
	r.generation.Add(1)
	r.closed = false
	stale, _ := filepath.Glob(r.path + ".*" + runeSuffix)
	for _, p := range append([]string{r.path}, stale...) {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove %s: %w", p, rmErr))
		}
	}
	return err
}

// snapshot pins the state a replay view reads from.
type snapshot struct {
	rec       *Recorder
	gen       uint64
	prefix    []byte
	path      string
	size      int64
	bodyStart int64
}

func (r *Recorder) snapshot() (snapshot, error) {
	if r.open {
		return snapshot{}, ErrStillOpen
	}
	if !r.closed {
		return snapshot{}, ErrInvalidated
	}
	inMemory := r.size
	if inMemory > int64(len(r.prefix)) {
		inMemory = int64(len(r.prefix))
	}
	return snapshot{
		rec:       r,
		gen:       r.generation.Load(),
		prefix:    r.prefix[:inMemory],
		path:      r.path,
		size:      r.size,
		bodyStart: r.bodyStart,
	}, nil
}

func (s snapshot) valid() error {
	if s.rec.generation.Load() != s.gen {
		return ErrInvalidated
	}
	return nil
}

// openBacking opens the backing file for reading, failing when it is gone.
func (s snapshot) openBacking() (*os.File, error) {
	if err := s.valid(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open backing file for replay: %w", err)
	}
	return f, nil
}

// DiscardStale removes scratch files left in dir by a previous process.
func DiscardStale(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "tt*http"+inSuffix+"*"))
	if err != nil {
		return 0, fmt.Errorf("glob scratch files: %w", err)
	}
	removed := 0
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", m, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
