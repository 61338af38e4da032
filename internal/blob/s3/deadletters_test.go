package s3blob_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/oddsfeed/internal/blob/s3"
	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

type memBlob struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlob) Put(_ context.Context, path string, r io.Reader, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlob) PutMultipart(_ context.Context, path string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func deadLetter(id string, at time.Time) domain.DeadLetter {
	return domain.DeadLetter{
		Job:      domain.BackfillJob{ID: id, MarketID: "M", TokenID: "tok", Attempts: 3},
		Reason:   "upstream 500",
		FailedAt: at,
	}
}

func TestArchiveWritesDatedJSONObject(t *testing.T) {
	blob := newMemBlob()
	a := s3blob.NewDeadLetterArchive(blob, "dl")
	at := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)

	require.NoError(t, a.Archive(context.Background(), deadLetter("job-1", at)))

	key := "dl/2026/04/02/job-1-" + "1775125800000" + ".json"
	require.Contains(t, blob.objects, key)
	assert.Equal(t, "application/json", blob.types[key])

	var got domain.DeadLetter
	require.NoError(t, json.Unmarshal(blob.objects[key], &got))
	assert.Equal(t, "job-1", got.Job.ID)
	assert.Equal(t, "upstream 500", got.Reason)
}

func TestExportWritesNDJSON(t *testing.T) {
	blob := newMemBlob()
	a := s3blob.NewDeadLetterArchive(blob, "")
	at := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)

	key, err := a.Export(context.Background(), []domain.DeadLetter{deadLetter("a", at), deadLetter("b", at)}, at)
	require.NoError(t, err)
	assert.Equal(t, "dead-letters/exports/20260402T103000Z.ndjson", key)

	sc := bufio.NewScanner(bytes.NewReader(blob.objects[key]))
	var ids []string
	for sc.Scan() {
		var dl domain.DeadLetter
		require.NoError(t, json.Unmarshal(sc.Bytes(), &dl))
		ids = append(ids, dl.Job.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}
