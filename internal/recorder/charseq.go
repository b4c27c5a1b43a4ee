package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

const (
	runeSuffix = ".runes"
	runeWidth  = 4
)

// ErrOutOfRange is returned for indexes outside [0, Len()).
var ErrOutOfRange = errors.New("char index out of range")

// CharSequence is random access over decoded characters of a capture. Only a
// bounded window of text is held in memory; access that runs mostly forward
// is cheap, backward jumps reload the window.
type CharSequence interface {
	Len() int
	CharAt(i int) (rune, error)
	// SubSequence returns a view of [start, end) sharing the parent's storage.
	SubSequence(start, end int) (CharSequence, error)
	Close() error
}

// CharSequence decodes every captured byte with enc.
func (r *Recorder) CharSequence(enc Encoding) (CharSequence, error) {
	return r.charSequence(enc, 0)
}

// BodyCharSequence decodes the bytes after the body mark with enc.
func (r *Recorder) BodyCharSequence(enc Encoding) (CharSequence, error) {
	return r.charSequence(enc, r.bodyStart)
}

func (r *Recorder) charSequence(enc Encoding, from int64) (CharSequence, error) {
	snap, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	if enc.enc == nil {
		enc = LookupEncoding(DefaultEncodingName)
	}
	if enc.single != nil {
		return newByteSequence(snap, enc.single, from, r.cfg.RecenterDivisor), nil
	}
	return newRuneSequence(snap, enc, from, r.cfg.RecenterDivisor)
}

// window is a wraparound buffer over fixed-width units stored in a file. Unit
// k of the file is absolute unit base+k.
type window struct {
	open    func() (*os.File, error)
	width   int
	base    int
	size    int
	divisor int

	buf    []byte
	origin int
	offset int
	filled int
	loaded bool

	file *os.File
	tail *bufio.Reader
}

func newWindow(open func() (*os.File, error), width, base, size, divisor int) *window {
	if size <= 0 {
		size = 1
	}
	return &window{
		open:    open,
		width:   width,
		base:    base,
		size:    size,
		divisor: divisor,
		buf:     make([]byte, size*width),
	}
}

// unit returns the bytes of absolute unit c, faulting the window as needed.
func (w *window) unit(c int) ([]byte, error) {
	if !w.loaded {
		if err := w.recenter(w.base); err != nil {
			return nil, err
		}
	}
	if c < w.origin {
		if err := w.recenter(c - w.size/w.divisor); err != nil {
			return nil, err
		}
	}
	for c >= w.origin+w.filled {
		if w.filled < w.size {
			return nil, fmt.Errorf("unit %d beyond backing data: %w", c, io.ErrUnexpectedEOF)
		}
		if err := w.advance(); err != nil {
			return nil, err
		}
	}
	pos := (c - w.origin + w.offset) % w.size
	return w.buf[pos*w.width : (pos+1)*w.width], nil
}

// recenter reloads the window starting at unit start.
func (w *window) recenter(start int) error {
	if start < w.base {
		start = w.base
	}
	w.loaded = false
	if err := w.closeFile(); err != nil {
		return err
	}
	f, err := w.open()
	if err != nil {
		return err
	}
	if _, err := f.Seek(int64(start-w.base)*int64(w.width), io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek window: %w", err)
	}
	w.file = f
	if w.tail == nil {
		w.tail = bufio.NewReaderSize(f, diskBufferSize)
	} else {
		w.tail.Reset(f)
	}
	n, err := io.ReadFull(w.tail, w.buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("load window: %w", err)
	}
	w.origin = start
	w.offset = 0
	w.filled = n / w.width
	w.loaded = true
	return nil
}

// advance slides a full window forward by one unit.
func (w *window) advance() error {
	slot := w.buf[w.offset*w.width : (w.offset+1)*w.width]
	if _, err := io.ReadFull(w.tail, slot); err != nil {
		w.loaded = false
		return fmt.Errorf("advance window: %w", err)
	}
	w.offset = (w.offset + 1) % w.size
	w.origin++
	return nil
}

func (w *window) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("close window file: %w", err)
	}
	return nil
}

// byteSequence serves single-byte encodings straight from the capture.
type byteSequence struct {
	mu    sync.Mutex
	snap  snapshot
	cm    *charmap.Charmap
	start int
	win   *window
}

func newByteSequence(snap snapshot, cm *charmap.Charmap, from int64, divisor int) *byteSequence {
	prefixLen := cap(snap.prefix)
	return &byteSequence{
		snap:  snap,
		cm:    cm,
		start: int(from),
		win:   newWindow(snap.openBacking, 1, prefixLen, prefixLen, divisor),
	}
}

func (s *byteSequence) Len() int {
	return int(s.snap.size) - s.start
}

func (s *byteSequence) CharAt(i int) (rune, error) {
	if i < 0 || i >= s.Len() {
		return 0, fmt.Errorf("char %d of %d: %w", i, s.Len(), ErrOutOfRange)
	}
	if err := s.snap.valid(); err != nil {
		return 0, err
	}
	c := s.start + i
	if c < len(s.snap.prefix) {
		return s.cm.DecodeByte(s.snap.prefix[c]), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.win.unit(c)
	if err != nil {
		return 0, err
	}
	return s.cm.DecodeByte(b[0]), nil
}

func (s *byteSequence) SubSequence(start, end int) (CharSequence, error) {
	return subSequenceOf(s, start, end)
}

func (s *byteSequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.win.closeFile()
}

// runeSequence decodes a multi-byte capture up front into fixed-width runes
// on disk, since byte offsets and characters do not line up.
type runeSequence struct {
	mu     sync.Mutex
	snap   snapshot
	prefix []rune
	length int
	path   string
	win    *window
}

func newRuneSequence(snap snapshot, enc Encoding, from int64, divisor int) (*runeSequence, error) {
	prefixRunes := cap(snap.prefix) / runeWidth
	if prefixRunes < 1 {
		prefixRunes = 1
	}
	src := &ReplayStream{snap: snap}
	if err := src.Skip(from); err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	out, err := os.CreateTemp(filepath.Dir(snap.path), filepath.Base(snap.path)+".*"+runeSuffix)
	if err != nil {
		return nil, fmt.Errorf("create rune file: %w", err)
	}
	seq := &runeSequence{snap: snap, path: out.Name()}
	if err := seq.decode(src, enc, prefixRunes, out); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return nil, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return nil, fmt.Errorf("close rune file: %w", err)
	}
	seq.win = newWindow(seq.openRunes, runeWidth, len(seq.prefix), prefixRunes, divisor)
	return seq, nil
}

// decode transcodes src, replacing malformed input with U+FFFD rather than
// dropping it.
func (s *runeSequence) decode(src io.Reader, enc Encoding, prefixRunes int, out *os.File) error {
	decoded := bufio.NewReader(transform.NewReader(src, enc.enc.NewDecoder()))
	disk := bufio.NewWriterSize(out, diskBufferSize)
	var unit [runeWidth]byte
	for {
		r, _, err := decoded.ReadRune()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", enc.name, err)
		}
		s.length++
		if len(s.prefix) < prefixRunes {
			s.prefix = append(s.prefix, r)
			continue
		}
		binary.BigEndian.PutUint32(unit[:], uint32(r))
		if _, err := disk.Write(unit[:]); err != nil {
			return fmt.Errorf("write rune file: %w", err)
		}
	}
	if err := disk.Flush(); err != nil {
		return fmt.Errorf("flush rune file: %w", err)
	}
	return nil
}

func (s *runeSequence) openRunes() (*os.File, error) {
	if err := s.snap.valid(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open rune file: %w", err)
	}
	return f, nil
}

func (s *runeSequence) Len() int {
	return s.length
}

func (s *runeSequence) CharAt(i int) (rune, error) {
	if i < 0 || i >= s.length {
		return 0, fmt.Errorf("char %d of %d: %w", i, s.length, ErrOutOfRange)
	}
	if err := s.snap.valid(); err != nil {
		return 0, err
	}
	if i < len(s.prefix) {
		return s.prefix[i], nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.win.unit(i)
	if err != nil {
		return 0, err
	}
	return rune(binary.BigEndian.Uint32(b)), nil
}

func (s *runeSequence) SubSequence(start, end int) (CharSequence, error) {
	return subSequenceOf(s, start, end)
}

func (s *runeSequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.win.closeFile()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("remove rune file: %w", rmErr))
	}
	return err
}

type subSequence struct {
	parent     CharSequence
	start, end int
}

func subSequenceOf(parent CharSequence, start, end int) (CharSequence, error) {
	if start < 0 || end < start || end > parent.Len() {
		return nil, fmt.Errorf("subsequence [%d,%d) of %d: %w", start, end, parent.Len(), ErrOutOfRange)
	}
	return &subSequence{parent: parent, start: start, end: end}, nil
}

func (s *subSequence) Len() int {
	return s.end - s.start
}

func (s *subSequence) CharAt(i int) (rune, error) {
	if i < 0 || i >= s.Len() {
		return 0, fmt.Errorf("char %d of %d: %w", i, s.Len(), ErrOutOfRange)
	}
	return s.parent.CharAt(s.start + i)
}

func (s *subSequence) SubSequence(start, end int) (CharSequence, error) {
	if start < 0 || end < start || end > s.Len() {
		return nil, fmt.Errorf("subsequence [%d,%d) of %d: %w", start, end, s.Len(), ErrOutOfRange)
	}
	return &subSequence{parent: s.parent, start: s.start + start, end: s.start + end}, nil
}

// Close is a no-op; the parent owns the storage.
func (s *subSequence) Close() error {
	return nil
}

// Text materializes cs. Intended for small sequences.
func Text(cs CharSequence) (string, error) {
	var b strings.Builder
	b.Grow(cs.Len())
	for i := 0; i < cs.Len(); i++ {
		r, err := cs.CharAt(i)
		if err != nil {
			return "", err
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

// Reader streams a CharSequence forward as UTF-8.
type Reader struct {
	cs      CharSequence
	pos     int
	pending [utf8.UTFMax]byte
	pendLen int
	pendOff int
}

// NewReader returns a Reader positioned at the first character.
func NewReader(cs CharSequence) *Reader {
	return &Reader{cs: cs}
}

// ReadRune implements io.RuneReader.
func (r *Reader) ReadRune() (rune, int, error) {
	if r.pos >= r.cs.Len() {
		return 0, 0, io.EOF
	}
	ch, err := r.cs.CharAt(r.pos)
	if err != nil {
		return 0, 0, err
	}
	r.pos++
	return ch, utf8.RuneLen(ch), nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.pendOff < r.pendLen {
			c := copy(p[n:], r.pending[r.pendOff:r.pendLen])
			r.pendOff += c
			n += c
			continue
		}
		ch, _, err := r.ReadRune()
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		r.pendLen = utf8.EncodeRune(r.pending[:], ch)
		r.pendOff = 0
	}
	return n, nil
}
