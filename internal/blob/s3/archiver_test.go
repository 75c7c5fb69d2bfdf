package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/store/memory"
)

type blobs struct {
	objects map[string][]byte
	types   map[string]string
	fail    error
}

func newBlobs() *blobs { return &blobs{objects: map[string][]byte{}, types: map[string]string{}} }

func (b *blobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if b.fail != nil {
		return b.fail
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = raw
	b.types[path] = contentType
	return nil
}

func (b *blobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "multipart")
}

var (
	cutoff = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	runAt  = time.Date(2026, 3, 8, 4, 0, 0, 0, time.UTC)
)

func newArchiver(t *testing.T, w domain.BlobWriter) (*Archiver, *memory.OpportunityStore, *memory.IntentStore, *memory.AuditStore) {
	t.Helper()
	opps, intents, audit := memory.NewOpportunityStore(), memory.NewIntentStore(), memory.NewAuditStore()
	a := NewArchiver(w, opps, intents, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return runAt }
	return a, opps, intents, audit
}

func seedOpps(t *testing.T, s *memory.OpportunityStore) {
	t.Helper()
	ctx := context.Background()
	for _, o := range []domain.Opportunity{
		{ID: "old-done", Status: domain.OppExecuted, DetectedAt: cutoff.Add(-time.Hour), GrossProfit: big.NewInt(7)},
		{ID: "old-open", Status: domain.OppApproved, DetectedAt: cutoff.Add(-time.Hour)},
		{ID: "new-done", Status: domain.OppExpired, DetectedAt: cutoff.Add(time.Hour)},
	} {
		require.NoError(t, s.Upsert(ctx, o))
	}
}

func TestArchiveOpportunitiesUploadsThenPrunes(t *testing.T) {
	w := newBlobs()
	a, opps, _, audit := newArchiver(t, w)
	seedOpps(t, opps)
	ctx := context.Background()

	n, err := a.ArchiveOpportunities(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	path := "archive/opportunities/2026-03-01/20260308T040000Z.jsonl"
	require.Contains(t, w.objects, path)
	assert.Equal(t, jsonlContentType, w.types[path])

	sc := bufio.NewScanner(bytes.NewReader(w.objects[path]))
	var lines []domain.Opportunity
	for sc.Scan() {
		var o domain.Opportunity
		require.NoError(t, json.Unmarshal(sc.Bytes(), &o))
		lines = append(lines, o)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "old-done", lines[0].ID)
	assert.Equal(t, "7", lines[0].GrossProfit.String())

	_, err = opps.Get(ctx, "old-done")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = opps.Get(ctx, "old-open")
	assert.NoError(t, err, "non-terminal records stay")
	_, err = opps.Get(ctx, "new-done")
	assert.NoError(t, err, "records after the cutoff stay")

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.opportunities", entries[0].Event)
	assert.Equal(t, path, entries[0].Detail["path"])
}

func TestFailedUploadKeepsRecords(t *testing.T) {
	w := newBlobs()
	w.fail = errors.New("bucket unavailable")
	a, opps, _, _ := newArchiver(t, w)
	seedOpps(t, opps)
	ctx := context.Background()

	_, err := a.ArchiveOpportunities(ctx, cutoff)
	require.Error(t, err)
	_, err = opps.Get(ctx, "old-done")
	assert.NoError(t, err)
}

func TestArchiveIntentsAndCheckpoint(t *testing.T) {
	w := newBlobs()
	a, _, intents, _ := newArchiver(t, w)
	ctx := context.Background()

	require.NoError(t, intents.Insert(ctx, domain.ExecutionIntent{ID: "i1", Status: domain.IntentConfirmed, UpdatedAt: cutoff.Add(-time.Minute)}))
	require.NoError(t, intents.Insert(ctx, domain.ExecutionIntent{ID: "i2", Status: domain.IntentSubmitted, UpdatedAt: cutoff.Add(-time.Minute)}))

	n, err := a.ArchiveIntents(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = intents.Get(ctx, "i1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = intents.Get(ctx, "i2")
	assert.NoError(t, err)

	n, err = a.ArchiveIntents(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to archive")

	state := domain.NewPortfolioState(domain.RiskLimits{}, "2026-03-07", runAt)
	state.Version = 42
	require.NoError(t, a.ArchiveCheckpoint(ctx, state))
	raw, ok := w.objects["archive/portfolio/2026-03-07/v0000000042.json"]
	require.True(t, ok)
	var got domain.PortfolioState
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, uint64(42), got.Version)
}
