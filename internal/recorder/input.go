package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrBodyTooLarge is returned by Drain when the limit is hit before EOF.
var ErrBodyTooLarge = errors.New("body exceeds length limit")

// RecordingReader records every byte read through it.
type RecordingReader struct {
	src io.Reader
	rec *Recorder
}

// NewRecordingReader wraps src so that reads are captured by r. The recorder
// must already be open.
func (r *Recorder) NewRecordingReader(src io.Reader) *RecordingReader {
	return &RecordingReader{src: src, rec: r}
}

// Read implements io.Reader.
func (rr *RecordingReader) Read(p []byte) (int, error) {
	n, err := rr.src.Read(p)
	if n > 0 {
		if _, werr := rr.rec.Write(p[:n]); werr != nil {
			return n, werr
		}
	}
	return n, err //nolint:wrapcheck // io.EOF must pass through unwrapped
}

// Drain reads src to EOF, stopping early once limit bytes were read (limit
// <= 0 means unlimited) or ctx is done. It returns the number of bytes read.
func (rr *RecordingReader) Drain(ctx context.Context, limit int64) (int64, error) {
	buf := make([]byte, diskBufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("drain interrupted: %w", err)
		}
		want := buf
		if limit > 0 {
			left := limit - total
			if left <= 0 {
				return total, ErrBodyTooLarge
			}
			if left < int64(len(want)) {
				want = want[:left]
			}
		}
		n, err := rr.Read(want)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read body: %w", err)
		}
	}
}
