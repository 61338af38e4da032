package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

func TestParseSince(t *testing.T) {
	got, err := parseSince("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseSince("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got.Unix())

	got, err = parseSince("2026-04-02T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC), got.UTC())

	_, err = parseSince("yesterday")
	assert.Error(t, err)
}

func TestSelectDeadLetters(t *testing.T) {
	dls := []domain.DeadLetter{
		{Job: domain.BackfillJob{ID: "a"}},
		{Job: domain.BackfillJob{ID: "b"}},
	}
	assert.Len(t, selectDeadLetters(dls, "", true), 2)

	one := selectDeadLetters(dls, "b", false)
	require.Len(t, one, 1)
	assert.Equal(t, "b", one[0].Job.ID)

	assert.Empty(t, selectDeadLetters(dls, "zzz", false))
}

func TestRenderDeadLetters(t *testing.T) {
	var buf bytes.Buffer
	renderDeadLetters(&buf, []domain.DeadLetter{{
		Job:      domain.BackfillJob{ID: "job-1", MarketID: "m1", OutcomeID: "YES", TokenID: "tok", Attempts: 3},
		Reason:   strings.Repeat("x", 100),
		FailedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "2026-04-02T10:00:00Z")
	assert.NotContains(t, out, strings.Repeat("x", 61))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
