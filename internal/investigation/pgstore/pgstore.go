// Package pgstore provides a PostgreSQL implementation of
// investigation.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/aegis/internal/alert"
	"github.com/linnemanlabs/aegis/internal/investigation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aegis/internal/investigation/pgstore")

//go:embed schema.sql
var schema string

// Store persists investigation aggregates in PostgreSQL. The whole
// aggregate is written on every Put, so a crash between transitions never
// leaves a half-applied stage result.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool is shared
// with the other stores and owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const invColumns = `id, fingerprint, status, severity_score, abbreviated, failure_reason,
	alert, stage_results, evidence_trail, related_ids, created_at, completed_at`

// Get retrieves an investigation by ID.
//
//nolint:dupl // similar structure to GetByFingerprint is intentional
func (s *Store) Get(ctx context.Context, id string) (*investigation.Investigation, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + invColumns + ` FROM investigations WHERE id = $1`
	inv, err := scanRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inv == nil {
		return nil, false, nil
	}
	return inv, true, nil
}

// GetByFingerprint retrieves the most recent investigation for an alert
// fingerprint.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*investigation.Investigation, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetByFingerprint", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + invColumns + ` FROM investigations WHERE fingerprint = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	inv, err := scanRow(s.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inv == nil {
		return nil, false, nil
	}
	return inv, true, nil
}

// Put inserts or updates the full aggregate (upsert on id).
func (s *Store) Put(ctx context.Context, inv *investigation.Investigation) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	alertJSON, err := json.Marshal(inv.Alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	stagesJSON, err := json.Marshal(emptySlice(inv.StageResults))
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}
	evidenceJSON, err := json.Marshal(emptySlice(inv.EvidenceTrail))
	if err != nil {
		return fmt.Errorf("marshal evidence trail: %w", err)
	}
	relatedJSON, err := json.Marshal(emptySlice(inv.RelatedIDs))
	if err != nil {
		return fmt.Errorf("marshal related ids: %w", err)
	}

	var completedAt *time.Time
	if !inv.CompletedAt.IsZero() {
		completedAt = &inv.CompletedAt
	}

	query := `INSERT INTO investigations (
		id, fingerprint, status, severity_score, abbreviated, failure_reason,
		alert, stage_results, evidence_trail, related_ids, created_at, completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		status         = EXCLUDED.status,
		severity_score = EXCLUDED.severity_score,
		abbreviated    = EXCLUDED.abbreviated,
		failure_reason = EXCLUDED.failure_reason,
		stage_results  = EXCLUDED.stage_results,
		evidence_trail = EXCLUDED.evidence_trail,
		related_ids    = EXCLUDED.related_ids,
		completed_at   = EXCLUDED.completed_at`

	_, err = s.pool.Exec(ctx, query,
		inv.ID, inv.Fingerprint, string(inv.Status), inv.SeverityScore, inv.Abbreviated,
		inv.FailureReason, alertJSON, stagesJSON, evidenceJSON, relatedJSON,
		inv.CreatedAt, completedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert investigation: %w", err)
	}
	return nil
}

// List returns the most recent investigations, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*investigation.Investigation, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + invColumns + ` FROM investigations ORDER BY created_at DESC, id DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query investigations: %w", err)
	}
	defer rows.Close()

	var out []*investigation.Investigation
	for rows.Next() {
		inv, err := scanRow(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate investigations: %w", err)
	}
	return out, nil
}

// scanRow rehydrates one investigation row. Returns (nil, nil) when no row
// is found.
func scanRow(row pgx.Row) (*investigation.Investigation, error) {
	var (
		inv          investigation.Investigation
		status       string
		alertJSON    []byte
		stagesJSON   []byte
		evidenceJSON []byte
		relatedJSON  []byte
		completedAt  *time.Time
	)

	err := row.Scan(
		&inv.ID, &inv.Fingerprint, &status, &inv.SeverityScore, &inv.Abbreviated,
		&inv.FailureReason, &alertJSON, &stagesJSON, &evidenceJSON, &relatedJSON,
		&inv.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inv.Status = investigation.Status(status)
	if completedAt != nil {
		inv.CompletedAt = *completedAt
	}

	inv.Alert = &alert.Alert{}
	if err := json.Unmarshal(alertJSON, inv.Alert); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &inv.StageResults); err != nil {
		return nil, fmt.Errorf("unmarshal stage results: %w", err)
	}
	if err := json.Unmarshal(evidenceJSON, &inv.EvidenceTrail); err != nil {
		return nil, fmt.Errorf("unmarshal evidence trail: %w", err)
	}
	if err := json.Unmarshal(relatedJSON, &inv.RelatedIDs); err != nil {
		return nil, fmt.Errorf("unmarshal related ids: %w", err)
	}

	inv.MarkSeverityLoaded()
	return &inv, nil
}

// emptySlice keeps jsonb columns as [] rather than null for nil slices.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
