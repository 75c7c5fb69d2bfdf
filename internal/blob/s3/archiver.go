package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// Archiver implements domain.Archiver. Terminal records older than a cutoff
// are written as JSONL and deleted from the primary store only after the
// upload succeeded.
type Archiver struct {
	writer  domain.BlobWriter
	opps    domain.OpportunityStore
	intents domain.IntentStore
	audit   domain.AuditStore
	logger  *slog.Logger
	now     func() time.Time
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, opps domain.OpportunityStore, intents domain.IntentStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		opps:    opps,
		intents: intents,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

// ArchiveOpportunities moves terminal opportunities detected before the
// cutoff to archive/opportunities/.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.opps.ListTerminalBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	return archive(ctx, a, "opportunities", before, opps, a.opps.DeleteBefore)
}

// ArchiveIntents moves terminal intents last updated before the cutoff to
// archive/intents/.
func (a *Archiver) ArchiveIntents(ctx context.Context, before time.Time) (int64, error) {
	intents, err := a.intents.ListTerminalBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive intents query: %w", err)
	}
	return archive(ctx, a, "intents", before, intents, a.intents.DeleteBefore)
}

// ArchiveCheckpoint uploads a portfolio snapshot under archive/portfolio/.
func (a *Archiver) ArchiveCheckpoint(ctx context.Context, state domain.PortfolioState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("s3blob: marshal checkpoint: %w", err)
	}
	path := fmt.Sprintf("archive/portfolio/%s/v%010d.json", state.Day, state.Version)
	if err := a.writer.Put(ctx, path, bytes.NewReader(raw), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive checkpoint: %w", err)
	}
	a.logger.Info("archiver: portfolio checkpoint archived", slog.String("path", path), slog.Uint64("version", state.Version))
	return nil
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T, prune func(context.Context, time.Time) (int64, error)) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before, a.now())
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	deleted, err := prune(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive %s prune: %w", kind, err)
	}
	a.logger.Info("archiver: records archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, "archiver", map[string]any{
			"path":    path,
			"count":   count,
			"deleted": deleted,
			"before":  before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath partitions by the cutoff day; the run timestamp keeps
// successive runs from overwriting each other.
//
//	archive/opportunities/2026-03-01/20260308T040000Z.jsonl
func archivePath(kind string, before, now time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"), now.UTC().Format("20060102T150405Z"))
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
