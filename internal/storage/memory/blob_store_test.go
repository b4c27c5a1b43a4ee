package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", strings.NewReader("content"))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	data, contentType, ok := store.Get("path/page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(data))
	require.Equal(t, "text/html", contentType)

	data[0] = 'X'
	again, _, _ := store.Get("path/page.html")
	require.Equal(t, "content", string(again))
	require.Equal(t, []string{"path/page.html"}, store.Paths())

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
	_, _, ok = store.Get("missing")
	require.False(t, ok)
}
