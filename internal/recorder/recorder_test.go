package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayStreamRoundTripAtThreshold(t *testing.T) {
	t.Parallel()

	const prefix = 16
	tests := []struct {
		name string
		size int
	}{
		{name: "empty", size: 0},
		{name: "below prefix", size: prefix - 1},
		{name: "exactly prefix", size: prefix},
		{name: "one past prefix", size: prefix + 1},
		{name: "spans disk buffer", size: prefix + 3*diskBufferSize + 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := newTestRecorder(t, prefix)
			payload := pattern(tc.size)

			require.NoError(t, rec.Open(nil))
			writeInChunks(t, rec, payload, 5)
			require.NoError(t, rec.Close())
			require.Equal(t, int64(tc.size), rec.Size())

			stream, err := rec.ReplayStream()
			require.NoError(t, err)
			defer func() { require.NoError(t, stream.Close()) }()
			got, err := io.ReadAll(stream)
			require.NoError(t, err)
			require.Equal(t, payload, got)
			require.Zero(t, stream.Remaining())
		})
	}
}

func TestWriteForwardsToWrappedSink(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 8)
	var sink bytes.Buffer
	require.NoError(t, rec.Open(&sink))
	_, err := rec.Write([]byte("hello recorder"))
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.Equal(t, "hello recorder", sink.String())
}

func TestWrappedSinkFailureStillCounts(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 8)
	boom := errors.New("sink closed")
	require.NoError(t, rec.Open(failingWriter{err: boom}))
	_, err := rec.Write([]byte("0123456789"))
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(10), rec.Size())
	require.NoError(t, rec.Close())

	stream, err := rec.ReplayStream()
	require.NoError(t, err)
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(got))
}

func TestBodyMarkAndDigest(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 16)
	require.NoError(t, rec.Open(nil))
	_, err := rec.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)
	rec.MarkBodyStart()
	rec.StartDigest()
	_, err = rec.Write([]byte("<html>body</html>"))
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	require.Equal(t, int64(19), rec.BodyStart())
	require.Equal(t, int64(17), rec.BodySize())
	require.True(t, strings.HasPrefix(rec.Digest(), "sha1:"))

	body, err := rec.BodyReplayStream()
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "<html>body</html>", string(got))

	other := newTestRecorder(t, 16)
	require.NoError(t, other.Open(nil))
	other.StartDigest()
	_, err = other.Write([]byte("<html>body</html>"))
	require.NoError(t, err)
	require.Equal(t, rec.Digest(), other.Digest())
	require.NoError(t, other.Close())
}

func TestCloseFreezesSize(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 4)
	_, err := rec.ReplayStream()
	require.ErrorIs(t, err, ErrInvalidated, "no capture yet")

	require.NoError(t, rec.Open(nil))
	_, err = rec.ReplayStream()
	require.ErrorIs(t, err, ErrStillOpen)
	_, err = rec.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	_, err = rec.Write([]byte("more"))
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, int64(6), rec.Size())
}

func TestOpenFailsWhenScratchDirIsGone(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "scratch")
	rec, err := New(Config{Dir: dir, Name: BackingName(7), PrefixSize: 4})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "tt7http.in"), rec.Path())
	require.NoError(t, os.RemoveAll(dir))

	err = rec.Open(nil)
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCharSequenceExampleScenario(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 16)
	capture(t, rec, []byte("abcdefghijklmnopqrst"))

	stream, err := rec.ReplayStream()
	require.NoError(t, err)
	all, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Len(t, all, 20)

	cs, err := rec.CharSequence(LookupEncoding("us-ascii"))
	require.NoError(t, err)
	defer func() { require.NoError(t, cs.Close()) }()

	require.Equal(t, 20, cs.Len())
	ch, err := cs.CharAt(19)
	require.NoError(t, err)
	require.Equal(t, 't', ch)
	ch, err = cs.CharAt(0)
	require.NoError(t, err)
	require.Equal(t, 'a', ch)
}

func TestCharSequenceForwardTwiceAndBackward(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("abcdefghijklmnopqrstuvwxyz", 40)
	rec := newTestRecorder(t, 8)
	capture(t, rec, []byte(text))

	cs, err := rec.CharSequence(LookupEncoding("iso-8859-1"))
	require.NoError(t, err)
	defer func() { require.NoError(t, cs.Close()) }()

	first, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, text, first)
	second, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, text, second, "re-reading from zero forces a recenter")

	for _, i := range []int{len(text) - 1, 9, 500, 8, 501, 100} {
		ch, err := cs.CharAt(i)
		require.NoError(t, err)
		require.Equal(t, rune(text[i]), ch, "index %d", i)
	}

	_, err = cs.CharAt(len(text))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = cs.CharAt(-1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestCharSequenceRecenterTunable(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("0123456789", 20)
	for _, divisor := range []int{1, 2, 4} {
		rec, err := New(Config{Dir: t.TempDir(), Name: BackingName(1), PrefixSize: 6, RecenterDivisor: divisor})
		require.NoError(t, err)
		capture(t, rec, []byte(text))
		cs, err := rec.CharSequence(LookupEncoding("windows-1252"))
		require.NoError(t, err)
		for _, i := range []int{199, 50, 7, 120, 6} {
			ch, err := cs.CharAt(i)
			require.NoError(t, err)
			require.Equal(t, rune(text[i]), ch, "divisor %d index %d", divisor, i)
		}
		require.NoError(t, cs.Close())
	}
}

func TestCharSequenceLatin1Decoding(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 2)
	capture(t, rec, []byte{'c', 'a', 'f', 0xE9})
	cs, err := rec.CharSequence(LookupEncoding("latin1"))
	require.NoError(t, err)
	got, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, "café", got)
}

func TestUnknownLabelDecodesLikeLatin1Label(t *testing.T) {
	t.Parallel()

	payload := []byte{0x80, ' ', 0x9F, ' ', 0xE9}
	for _, label := range []string{"no-such-charset", "iso-8859-1", "windows-1252"} {
		enc := LookupEncoding(label)
		require.Equal(t, DefaultEncodingName, enc.Name(), label)
		require.True(t, enc.SingleByte(), label)

		rec := newTestRecorder(t, 2)
		capture(t, rec, payload)
		cs, err := rec.CharSequence(enc)
		require.NoError(t, err)
		got, err := Text(cs)
		require.NoError(t, err)
		require.NoError(t, cs.Close())
		require.Equal(t, "€ Ÿ é", got, label)
	}
}

func TestCharSequenceSmallSingleByteNeverTouchesDisk(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 64)
	capture(t, rec, []byte("short page"))
	require.NoError(t, os.Remove(rec.Path()))

	cs, err := rec.CharSequence(LookupEncoding("ascii"))
	require.NoError(t, err)
	got, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, "short page", got)
}

func TestCharSequenceMultiByte(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("héllo wörld ✓ 日本語 ", 30)
	rec := newTestRecorder(t, 16)
	capture(t, rec, []byte(text))

	enc := LookupEncoding("utf-8")
	require.False(t, enc.SingleByte())
	cs, err := rec.CharSequence(enc)
	require.NoError(t, err)
	defer func() { require.NoError(t, cs.Close()) }()

	runes := []rune(text)
	require.Equal(t, len(runes), cs.Len())
	first, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, text, first)
	second, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, text, second)

	ch, err := cs.CharAt(len(runes) - 2)
	require.NoError(t, err)
	require.Equal(t, runes[len(runes)-2], ch)
	ch, err = cs.CharAt(3)
	require.NoError(t, err)
	require.Equal(t, runes[3], ch)
}

func TestCharSequenceShiftJIS(t *testing.T) {
	t.Parallel()

	enc := LookupEncoding("shift_jis")
	require.Equal(t, "shift_jis", enc.Name())
	text := strings.Repeat("日本語のテキスト", 10)
	encoded, err := enc.enc.NewEncoder().Bytes([]byte(text))
	require.NoError(t, err)

	rec := newTestRecorder(t, 8)
	capture(t, rec, encoded)
	cs, err := rec.CharSequence(enc)
	require.NoError(t, err)
	defer func() { require.NoError(t, cs.Close()) }()

	got, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, text, got)
}

func TestCharSequenceMalformedInputIsReplaced(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 16)
	capture(t, rec, []byte{'a', 0xff, 'b', 0xc3})
	cs, err := rec.CharSequence(LookupEncoding("utf-8"))
	require.NoError(t, err)
	defer func() { require.NoError(t, cs.Close()) }()

	got, err := Text(cs)
	require.NoError(t, err)
	require.Equal(t, "a\ufffdb\ufffd", got)
}

func TestBodyCharSequenceSkipsHeaders(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 8)
	require.NoError(t, rec.Open(nil))
	_, err := rec.Write([]byte("Header: x\r\n\r\n"))
	require.NoError(t, err)
	rec.MarkBodyStart()
	_, err = rec.Write([]byte("the body text"))
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	for _, enc := range []Encoding{LookupEncoding("ascii"), LookupEncoding("utf-8")} {
		cs, err := rec.BodyCharSequence(enc)
		require.NoError(t, err)
		got, err := Text(cs)
		require.NoError(t, err)
		require.Equal(t, "the body text", got, enc.Name())
		require.NoError(t, cs.Close())
	}
}

func TestSubSequenceIsAView(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("abcdefghij", 10)
	rec := newTestRecorder(t, 4)
	capture(t, rec, []byte(text))
	cs, err := rec.CharSequence(LookupEncoding("ascii"))
	require.NoError(t, err)

	sub, err := cs.SubSequence(40, 55)
	require.NoError(t, err)
	require.Equal(t, 15, sub.Len())

	_, err = cs.CharAt(99)
	require.NoError(t, err)
	got, err := Text(sub)
	require.NoError(t, err)
	require.Equal(t, text[40:55], got)

	_, err = cs.CharAt(2)
	require.NoError(t, err)
	inner, err := sub.SubSequence(5, 10)
	require.NoError(t, err)
	got, err = Text(inner)
	require.NoError(t, err)
	require.Equal(t, text[45:50], got)

	_, err = cs.SubSequence(10, 101)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.NoError(t, cs.Close())
}

func TestViewsFailAfterRecorderReuse(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 4)
	capture(t, rec, []byte("first capture"))
	cs, err := rec.CharSequence(LookupEncoding("ascii"))
	require.NoError(t, err)
	stream, err := rec.ReplayStream()
	require.NoError(t, err)

	require.NoError(t, rec.Open(nil))

	_, err = cs.CharAt(0)
	require.ErrorIs(t, err, ErrInvalidated)
	_, err = stream.Read(make([]byte, 4))
	require.ErrorIs(t, err, ErrInvalidated)
	require.NoError(t, rec.Close())
}

func TestCharSequenceFailsWhenBackingFileDeleted(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 4)
	capture(t, rec, []byte("0123456789abcdef"))
	cs, err := rec.CharSequence(LookupEncoding("ascii"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.Path()))

	ch, err := cs.CharAt(1)
	require.NoError(t, err, "prefix is still in memory")
	require.Equal(t, '1', ch)
	_, err = cs.CharAt(12)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReaderStreamsUTF8(t *testing.T) {
	t.Parallel()

	text := "naïve café, ∑ of parts"
	rec := newTestRecorder(t, 8)
	capture(t, rec, []byte(text))
	cs, err := rec.CharSequence(LookupEncoding("utf-8"))
	require.NoError(t, err)
	defer func() { require.NoError(t, cs.Close()) }()

	got, err := io.ReadAll(NewReader(cs))
	require.NoError(t, err)
	require.Equal(t, text, string(got))
}

func TestSniffBodyEncoding(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 256)
	require.NoError(t, rec.Open(nil))
	_, err := rec.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)
	rec.MarkBodyStart()
	_, err = rec.Write([]byte(`<html><head><meta charset="shift_jis"></head></html>`))
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	require.Equal(t, "shift_jis", rec.SniffBodyEncoding("text/html").Name())
	require.Equal(t, "utf-8", rec.SniffBodyEncoding("text/html; charset=utf-8").Name())
	require.Equal(t, DefaultEncodingName, LookupEncoding("no-such-charset").Name())
	require.True(t, LookupEncoding("no-such-charset").SingleByte())
}

func TestRecordingReaderDrain(t *testing.T) {
	t.Parallel()

	rec := newTestRecorder(t, 8)
	require.NoError(t, rec.Open(nil))
	n, err := rec.NewRecordingReader(strings.NewReader("a response body")).Drain(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(15), n)
	require.NoError(t, rec.Close())
	require.Equal(t, int64(15), rec.Size())

	require.NoError(t, rec.Open(nil))
	n, err = rec.NewRecordingReader(strings.NewReader("a response body")).Drain(context.Background(), 4)
	require.ErrorIs(t, err, ErrBodyTooLarge)
	require.Equal(t, int64(4), n)
	require.NoError(t, rec.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Open(nil))
	_, err = rec.NewRecordingReader(strings.NewReader("x")).Drain(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, rec.Close())
}

func TestCleanupAndDiscardStale(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec, err := New(Config{Dir: dir, Name: BackingName(2), PrefixSize: 4})
	require.NoError(t, err)
	capture(t, rec, []byte("0123456789"))
	cs, err := rec.CharSequence(LookupEncoding("utf-8"))
	require.NoError(t, err)

	require.NoError(t, rec.Cleanup())
	_, err = os.Stat(rec.Path())
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = cs.CharAt(0)
	require.ErrorIs(t, err, ErrInvalidated)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tt9http.in"), []byte("stale"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tt9http.in.123.runes"), []byte("stale"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("keep"), 0o600))
	removed, err := DiscardStale(dir)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	_, err = os.Stat(filepath.Join(dir, "keep.txt"))
	require.NoError(t, err)
}

func newTestRecorder(t *testing.T, prefix int) *Recorder {
	t.Helper()
	rec, err := New(Config{Dir: t.TempDir(), Name: BackingName(0), PrefixSize: prefix})
	require.NoError(t, err)
	return rec
}

func capture(t *testing.T, rec *Recorder, payload []byte) {
	t.Helper()
	require.NoError(t, rec.Open(nil))
	writeInChunks(t, rec, payload, 3)
	require.NoError(t, rec.Close())
}

func writeInChunks(t *testing.T, w io.Writer, payload []byte, chunk int) {
	t.Helper()
	for len(payload) > 0 {
		n := chunk
		if n > len(payload) {
			n = len(payload)
		}
		_, err := w.Write(payload[:n])
		require.NoError(t, err)
		payload = payload[n:]
	}
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

type failingWriter struct {
	err error
}

func (f failingWriter) Write([]byte) (int, error) {
	return 0, f.err
}
