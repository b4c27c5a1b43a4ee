package stage

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const defaultContentType = "application/octet-stream"

// WriterBlob stores each fetched body in a blob store under a path derived
// from its SHA-256, so identical bodies land on the same object.
type WriterBlob struct {
	crawler.SharedProcessor
	store  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
	logger *zap.Logger
}

// NewWriterBlob builds the storage stage. Objects are written below prefix.
func NewWriterBlob(store crawler.BlobStore, hasher crawler.Hasher, prefix string, logger *zap.Logger) (*WriterBlob, error) {
	if store == nil || hasher == nil {
		return nil, errors.New("writer requires a blob store and a hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriterBlob{store: store, hasher: hasher, prefix: prefix, logger: logger.Named(NameWriter)}, nil
}

// Name implements crawler.Processor.
func (w *WriterBlob) Name() string { return NameWriter }

// Process implements crawler.Processor.
func (w *WriterBlob) Process(ctx context.Context, item *crawler.WorkItem) (crawler.ProcessResult, error) {
	if !fetched(item) || item.Recorder.BodySize() == 0 {
		return crawler.ResultProceed, nil
	}
	rec := item.Recorder

	stream, err := rec.BodyReplayStream()
	if err != nil {
		return crawler.ResultProceed, fmt.Errorf("replay body for hashing: %w", err)
	}
	sum, err := w.hasher.HashReader(stream)
	if cerr := stream.Close(); cerr != nil {
		w.logger.Debug("close replay stream", zap.Error(cerr))
	}
	if err != nil {
		return crawler.ResultProceed, fmt.Errorf("hash body: %w", err)
	}

	stream, err = rec.BodyReplayStream()
	if err != nil {
		return crawler.ResultProceed, fmt.Errorf("replay body for storage: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			w.logger.Debug("close replay stream", zap.Error(cerr))
		}
	}()
	contentType := item.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	uri, err := w.store.PutObject(ctx, blobPath(w.prefix, item.Host(), sum), contentType, stream)
	if err != nil {
		return crawler.ResultProceed, fmt.Errorf("store body: %w", err)
	}
	item.StoredURI = uri
	w.logger.Debug("stored body", zap.String("url", item.URL), zap.String("uri", uri))
	return crawler.ResultProceed, nil
}

func blobPath(prefix, host, sum string) string {
	if host == "" {
		host = "unknown"
	}
	return path.Join(prefix, host, sum[:2], sum)
}
