package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReplayStream reads captured bytes sequentially, crossing from the prefix to
// the backing file at the capture threshold.
type ReplayStream struct {
	snap snapshot
	pos  int64
	file *os.File
	rd   *bufio.Reader
}

// ReplayStream replays every captured byte.
func (r *Recorder) ReplayStream() (*ReplayStream, error) {
	snap, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	return &ReplayStream{snap: snap}, nil
}

// BodyReplayStream replays the bytes after the body mark.
func (r *Recorder) BodyReplayStream() (*ReplayStream, error) {
	s, err := r.ReplayStream()
	if err != nil {
		return nil, err
	}
	if err := s.Skip(s.snap.bodyStart); err != nil {
		return nil, err
	}
	return s, nil
}

// Read implements io.Reader.
func (s *ReplayStream) Read(p []byte) (int, error) {
	if err := s.snap.valid(); err != nil {
		return 0, err
	}
	if s.pos >= s.snap.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if remaining := s.snap.size - s.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	inMemory := int64(len(s.snap.prefix))
	if s.pos < inMemory {
		n := copy(p, s.snap.prefix[s.pos:])
		s.pos += int64(n)
		return n, nil
	}
	if err := s.ensureFile(); err != nil {
		return 0, err
	}
	n, err := s.rd.Read(p)
	s.pos += int64(n)
	if errors.Is(err, io.EOF) && s.pos < s.snap.size {
		return n, fmt.Errorf("backing file shorter than recorded size: %w", io.ErrUnexpectedEOF)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read backing file: %w", err)
	}
	return n, nil
}

func (s *ReplayStream) ensureFile() error {
	if s.file != nil {
		return nil
	}
	f, err := s.snap.openBacking()
	if err != nil {
		return err
	}
	if _, err := f.Seek(s.pos-int64(len(s.snap.prefix)), io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek backing file: %w", err)
	}
	s.file = f
	s.rd = bufio.NewReaderSize(f, diskBufferSize)
	return nil
}

// Skip moves the cursor to absolute offset pos.
func (s *ReplayStream) Skip(pos int64) error {
	if pos < 0 || pos > s.snap.size {
		return fmt.Errorf("skip to %d outside [0,%d]", pos, s.snap.size)
	}
	s.pos = pos
	if s.file != nil {
		err := s.file.Close()
		s.file, s.rd = nil, nil
		if err != nil {
			return fmt.Errorf("close backing file: %w", err)
		}
	}
	return nil
}

// Position returns the absolute offset of the next byte.
func (s *ReplayStream) Position() int64 {
	return s.pos
}

// Remaining returns the number of bytes left.
func (s *ReplayStream) Remaining() int64 {
	return s.snap.size - s.pos
}

// Close releases the backing file handle.
func (s *ReplayStream) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.rd = nil, nil
	if err != nil {
		return fmt.Errorf("close backing file: %w", err)
	}
	return nil
}
