package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/BTreeMap/wadispatch/internal/models"
)

const attemptColumns = `correlation_id, job_id, fingerprint, recipient, kind, content_digest,
	encoding, status_code, outcome, error, duration_ms, attempted_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func attemptArgs(r models.AttemptRecord) []interface{} {
	return []interface{}{
		r.CorrelationID, nilIfEmpty(r.JobID), r.Fingerprint, r.Recipient, string(r.Kind), r.ContentDigest,
		nilIfEmpty(r.Encoding), r.StatusCode, string(r.Outcome), nilIfEmpty(r.Error), r.DurationMs, r.AttemptedAt.UTC(),
	}
}

// listQuery builds the SELECT for f using placeholder(n) for the n-th bind
// variable (1-based).
func listQuery(f AttemptFilter, placeholder func(n int) string) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if f.Recipient != "" {
		args = append(args, f.Recipient)
		where = append(where, "recipient = "+placeholder(len(args)))
	}
	if f.JobID != "" {
		args = append(args, f.JobID)
		where = append(where, "job_id = "+placeholder(len(args)))
	}

	q := "SELECT " + attemptColumns + " FROM delivery_attempts"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += " ORDER BY attempted_at DESC, id DESC LIMIT " + placeholder(len(args))
	return q, args
}

// scanAttempts scans AttemptRecords from sql.Rows.
func scanAttempts(rows *sql.Rows) ([]models.AttemptRecord, error) {
	var out []models.AttemptRecord
	for rows.Next() {
		var (
			r                         models.AttemptRecord
			jobID, encoding, errorMsg sql.NullString
			kind, outcome             string
		)
		err := rows.Scan(
			&r.CorrelationID, &jobID, &r.Fingerprint, &r.Recipient, &kind, &r.ContentDigest,
			&encoding, &r.StatusCode, &outcome, &errorMsg, &r.DurationMs, &r.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt failed: %w", err)
		}
		r.JobID = jobID.String
		r.Encoding = encoding.String
		r.Error = errorMsg.String
		r.Kind = models.Kind(kind)
		r.Outcome = models.Outcome(outcome)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempt rows: %w", err)
	}
	return out, nil
}

// insertAttempts writes recs in one transaction using the prepared INSERT.
func insertAttempts(ctx context.Context, tx *sql.Tx, insert string, recs []models.AttemptRecord) error {
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare attempt insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, attemptArgs(r)...); err != nil {
			return fmt.Errorf("failed to insert attempt %s: %w", r.CorrelationID, err)
		}
	}
	return nil
}
