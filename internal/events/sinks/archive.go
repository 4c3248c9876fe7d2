package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/rankhub/internal/events"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher fingerprints archived content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ArchiveSink writes each flushed batch as one JSON-lines object, partitioned by day.
// With a Hasher the object is named by its digest, so a retried flush overwrites
// the same object instead of duplicating it.
type ArchiveSink struct {
	store  BlobStore
	hasher Hasher
	now    func() time.Time
	seq    atomic.Int64
}

// NewArchiveSink archives batches into store. hasher may be nil.
func NewArchiveSink(store BlobStore, hasher Hasher) *ArchiveSink {
	return &ArchiveSink{store: store, hasher: hasher, now: func() time.Time { return time.Now().UTC() }}
}

// Consume encodes the batch and uploads it.
func (s *ArchiveSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.store == nil || len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range batch {
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	now := s.now()
	name := fmt.Sprintf("%d-%06d", now.UnixMilli(), s.seq.Add(1))
	if s.hasher != nil {
		digest, err := s.hasher.Hash(buf.Bytes())
		if err != nil {
			return fmt.Errorf("hash archive batch: %w", err)
		}
		name = digest
	}
	path := fmt.Sprintf("%s/%s.jsonl", now.Format("2006/01/02"), name)
	if _, err := s.store.PutObject(ctx, path, "application/x-ndjson", &buf); err != nil {
		return fmt.Errorf("archive events: %w", err)
	}
	return nil
}

// Close implements events.Sink.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
