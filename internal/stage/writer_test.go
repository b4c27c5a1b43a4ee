package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	hasher "github.com/JakeFAU/polite-crawler/internal/hash/sha256"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
)

func TestWriterStoresBodyByDigest(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	w, err := NewWriterBlob(blobs, hasher.New(), "bodies", nil)
	require.NoError(t, err)

	body := strings.Repeat("spilled body ", 20)
	item := newItem(t, "https://Example.com/page")
	captured(t, item, "text/plain", body)

	res, err := w.Process(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, crawler.ResultProceed, res)

	sum := sha256.Sum256([]byte(body))
	digest := hex.EncodeToString(sum[:])
	path := "bodies/example.com/" + digest[:2] + "/" + digest
	require.Equal(t, "memory://"+path, item.StoredURI)
	data, contentType, ok := blobs.Get(path)
	require.True(t, ok)
	require.Equal(t, body, string(data))
	require.Equal(t, "text/plain", contentType)
}

func TestWriterSkipsEmptyAndUnfetched(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	w, err := NewWriterBlob(blobs, hasher.New(), "", nil)
	require.NoError(t, err)

	empty := newItem(t, "https://example.com/empty")
	captured(t, empty, "", "")
	_, err = w.Process(context.Background(), empty)
	require.NoError(t, err)

	precluded := newItem(t, "https://example.com/robots")
	precluded.SetStatus(crawler.StatusRobotsPrecluded)
	_, err = w.Process(context.Background(), precluded)
	require.NoError(t, err)

	require.Empty(t, blobs.Paths())
	require.Empty(t, empty.StoredURI)
}

func TestWriterDefaultsContentTypeAndReportsStoreErrors(t *testing.T) {
	t.Parallel()

	store := &fakeBlobStore{}
	w, err := NewWriterBlob(store, hasher.New(), "", nil)
	require.NoError(t, err)
	item := newItem(t, "https://example.com/bin")
	captured(t, item, "", "\x00\x01\x02")
	item.ContentType = ""

	_, err = w.Process(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, defaultContentType, store.contentType)
	require.Equal(t, "\x00\x01\x02", store.data)

	store.err = errors.New("bucket gone")
	_, err = w.Process(context.Background(), item)
	require.ErrorContains(t, err, "bucket gone")

	_, err = NewWriterBlob(nil, hasher.New(), "", nil)
	require.Error(t, err)
}

type fakeBlobStore struct {
	contentType string
	data        string
	err         error
}

func (f *fakeBlobStore) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.contentType = contentType
	f.data = string(b)
	return "fake://" + path, nil
}
