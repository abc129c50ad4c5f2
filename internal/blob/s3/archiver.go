package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// SubmissionArchiveStore lists terminal submissions last updated before a
// cutoff. domain.SubmissionStore satisfies it.
type SubmissionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.SubmissionState, error)
}

// BlobExister reports whether an object is already present.
type BlobExister interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// auditPageSize bounds each audit query while paging through the log.
const auditPageSize = 5000

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// ArchiveImpl implements domain.Archiver by serializing old audit entries and
// submission states to JSONL and uploading one object per kind and cutoff
// day. A cutoff whose object already exists is skipped.
//
// Deleting archived rows from Postgres is a separate step run after the
// archive has been verified.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	exists      BlobExister // optional
	submissions SubmissionArchiveStore
	audit       domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl. exists may be nil.
func NewArchiver(writer domain.BlobWriter, exists BlobExister, submissions SubmissionArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		exists:      exists,
		submissions: submissions,
		audit:       audit,
	}
}

// ArchiveAudit uploads every audit entry created before the cutoff to
// archive/audit/YYYY-MM-DD.jsonl.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	path := archivePath("audit", before)
	if done, err := a.alreadyArchived(ctx, path); err != nil || done {
		return 0, err
	}

	var entries []domain.AuditEntry
	for offset := 0; ; offset += auditPageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{Limit: auditPageSize, Offset: offset, Until: &before})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < auditPageSize {
			break
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := upload(ctx, a.writer, path, entries); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit: %w", err)
	}
	return int64(len(entries)), a.logArchive(ctx, "archive.audit", path, len(entries), before)
}

// ArchiveSubmissions uploads every submission state last updated before the
// cutoff to archive/submissions/YYYY-MM-DD.jsonl. Open submissions are left
// out; they are still being driven to a terminal state.
func (a *ArchiveImpl) ArchiveSubmissions(ctx context.Context, before time.Time) (int64, error) {
	path := archivePath("submissions", before)
	if done, err := a.alreadyArchived(ctx, path); err != nil || done {
		return 0, err
	}

	states, err := a.submissions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive submissions query: %w", err)
	}
	terminal := states[:0]
	for _, st := range states {
		if st.Status.Terminal() {
			terminal = append(terminal, st)
		}
	}
	if len(terminal) == 0 {
		return 0, nil
	}
	if err := upload(ctx, a.writer, path, terminal); err != nil {
		return 0, fmt.Errorf("s3blob: archive submissions: %w", err)
	}
	return int64(len(terminal)), a.logArchive(ctx, "archive.submissions", path, len(terminal), before)
}

func (a *ArchiveImpl) alreadyArchived(ctx context.Context, path string) (bool, error) {
	if a.exists == nil {
		return false, nil
	}
	ok, err := a.exists.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive check %s: %w", path, err)
	}
	return ok, nil
}

// upload writes records as one JSONL object, switching to a multipart upload
// for large payloads.
func upload[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(buf) > multipartThreshold {
		return w.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return w.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

func (a *ArchiveImpl) logArchive(ctx context.Context, event, path string, count int, before time.Time) error {
	if err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("s3blob: %s audit log: %w", event, err)
	}
	return nil
}

// archivePath builds the object key for an archive file, partitioned by the
// day of the cutoff.
//
//	archive/audit/2026-01-31.jsonl
//	archive/submissions/2026-01-31.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes a slice as newline-delimited JSON, one compact value
// per line.
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
