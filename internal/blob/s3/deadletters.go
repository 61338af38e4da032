package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// DeadLetterArchive writes dead-lettered backfill jobs under a key prefix.
// It works against any domain.BlobWriter.
type DeadLetterArchive struct {
	blob   domain.BlobWriter
	prefix string
}

// NewDeadLetterArchive creates an archive rooted at prefix.
func NewDeadLetterArchive(blob domain.BlobWriter, prefix string) *DeadLetterArchive {
	if prefix == "" {
		prefix = "dead-letters"
	}
	return &DeadLetterArchive{blob: blob, prefix: prefix}
}

// Key returns the object key of one archived dead letter:
// <prefix>/YYYY/MM/DD/<job id>-<unix ms>.json.
func (a *DeadLetterArchive) Key(dl domain.DeadLetter) string {
	at := dl.FailedAt.UTC()
	id := dl.Job.ID
	if id == "" {
		id = "unknown"
	}
	return path.Join(a.prefix, at.Format("2006/01/02"), fmt.Sprintf("%s-%d.json", id, at.UnixMilli()))
}

// Archive stores one dead letter as a JSON object.
func (a *DeadLetterArchive) Archive(ctx context.Context, dl domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("s3blob: encode dead letter %s: %w", dl.Job.ID, err)
	}
	return a.blob.Put(ctx, a.Key(dl), bytes.NewReader(data), "application/json")
}

// Export streams dls as newline-delimited JSON into a single object and
// returns its key.
func (a *DeadLetterArchive) Export(ctx context.Context, dls []domain.DeadLetter, at time.Time) (string, error) {
	key := path.Join(a.prefix, "exports", at.UTC().Format("20060102T150405Z")+".ndjson")

	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		for _, dl := range dls {
			if err := enc.Encode(dl); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	if err := a.blob.PutMultipart(ctx, key, pr, 0); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("s3blob: export dead letters: %w", err)
	}
	return key, nil
}
