package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/adalundhe/pxsearch/core/search"
)

// Writer builds one index in a staging directory. It implements search.IndexWriter.
type Writer struct {
	engine    *Engine
	database  string
	language  string
	stagePath string
	livePath  string

	mu        sync.Mutex
	index     bleve.Index
	batch     *bleve.Batch
	written   int
	committed bool
	closed    bool
}

var _ search.IndexWriter = (*Writer)(nil)

// AddDocument queues a document for the index.
func (w *Writer) AddDocument(ctx context.Context, doc *search.Document) error {
	return w.put(ctx, doc)
}

// UpdateDocument replaces the document with the same path and table id, or adds
// it when absent.
func (w *Writer) UpdateDocument(ctx context.Context, doc *search.Document) error {
	return w.put(ctx, doc)
}

func (w *Writer) put(ctx context.Context, doc *search.Document) error {
	if doc == nil {
		return ErrNilDocument
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return err
	}
	if err := w.batch.Index(doc.Key(), toIndexDocument(doc)); err != nil {
		return fmt.Errorf("index document %s: %w", doc.Key(), err)
	}
	w.written++

	if w.batch.Size() >= w.engine.batchSize {
		return w.flushLocked(ctx)
	}
	return nil
}

// checkWritable must be called with mu held.
func (w *Writer) checkWritable() error {
	if w.closed {
		return search.ErrWriterClosed
	}
	if w.committed {
		return search.ErrAlreadyCommitted
	}
	return nil
}

// flushLocked commits the pending batch with timeout protection.
// Must be called with mu held.
func (w *Writer) flushLocked(ctx context.Context) error {
	if w.batch.Size() == 0 {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.engine.batchTimeout)
		defer cancel()
	}

	idx, batch := w.index, w.batch
	done := make(chan error, 1)
	go func() {
		done <- idx.Batch(batch)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		w.batch = w.index.NewBatch()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBatchTimeout, ctx.Err())
	}
}

// Commit flushes pending documents, records the build time and publishes the
// staged index as the live index.
func (w *Writer) Commit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return err
	}
	if err := w.flushLocked(ctx); err != nil {
		return err
	}

	now := w.engine.now()
	if err := w.index.SetInternal(builtAtKey, []byte(now.UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("record build time: %w", err)
	}
	if err := w.index.Close(); err != nil {
		return fmt.Errorf("close staged index: %w", err)
	}
	w.index = nil

	if err := w.engine.swap(w.database, w.stagePath, w.livePath); err != nil {
		return err
	}
	w.committed = true

	w.engine.logger.Info("index committed",
		"database", w.database, "language", w.language, "documents", w.written)
	return nil
}

// Close releases the staged index. Without a prior Commit the staged changes are
// discarded and the live index is left untouched.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.index != nil {
		if err := w.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close staged index: %w", err))
		}
		w.index = nil
	}
	if !w.committed {
		if err := os.RemoveAll(w.stagePath); err != nil {
			errs = append(errs, fmt.Errorf("discard staged index: %w", err))
		}
	}
	return errors.Join(errs...)
}
