package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshloan/flashmesh/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying the stores for aged
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	loans  domain.LoanStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, loans domain.LoanStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		loans:  loans,
		audit:  audit,
	}
}

// ArchiveLoans exports all loans created before the cutoff as JSONL to
// archive/loans/YYYY-MM.jsonl, records the export in the audit log, and
// returns the number of records written. Loans still active at the cutoff
// are exported too; the archive is a snapshot, not a tombstone.
func (a *ArchiveImpl) ArchiveLoans(ctx context.Context, before time.Time) (int64, error) {
	loans, err := a.loans.ListHistory(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive loans query: %w", err)
	}
	if len(loans) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(loans)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive loans marshal: %w", err)
	}

	path := archivePath("loans", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive loans upload: %w", err)
	}

	count := int64(len(loans))

	if err := a.audit.Log(ctx, "archive.loans", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive loans audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit exports all audit entries recorded before the cutoff as JSONL
// to archive/audit/YYYY-MM.jsonl and returns the number of records written.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	return int64(len(entries)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/loans/2026-03.jsonl
//	archive/audit/2026-03.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
