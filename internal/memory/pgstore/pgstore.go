// Package pgstore provides a PostgreSQL implementation of memory.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/aegis/internal/memory"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aegis/internal/memory/pgstore")

//go:embed schema.sql
var schema string

// Store persists memory records in PostgreSQL. Rows are append-only; the
// current projection per investigation id is the row with the latest
// timestamp, resolved at query time so superseded rows stay around for
// audit.
type Store struct {
	pool      *pgxpool.Pool
	threshold float64
}

// New applies the schema and returns a ready Store with the given
// embedding similarity threshold. The pool is shared with the other
// stores and owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, similarityThreshold float64) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, threshold: similarityThreshold}, nil
}

// Insert appends a record. Supersede-by-timestamp is resolved on read, so
// re-inserting the same investigation id with an earlier timestamp is a
// harmless no-op for lookups.
func (s *Store) Insert(ctx context.Context, rec memory.Record) error {
	ctx, span := tracer.Start(ctx, "pgstore.Insert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tagsJSON, err := json.Marshal(emptyTags(rec.TechniqueTags))
	if err != nil {
		return fmt.Errorf("marshal technique tags: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_records (investigation_id, fingerprint, embedding, severity_score, outcome_summary, technique_tags, source_ip, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.InvestigationID, rec.Fingerprint, rec.Embedding, rec.SeverityScore,
		rec.OutcomeSummary, tagsJSON, rec.SourceIP, rec.Timestamp,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert memory record: %w", err)
	}
	return nil
}

// LookupSimilar implements memory.Store. The window filter applies to the
// current projection, not the raw rows, so a superseded older row cannot
// re-enter the result when its replacement falls outside the window.
// Similarity is computed in Go over the windowed candidate set.
func (s *Store) LookupSimilar(ctx context.Context, q memory.Query) ([]memory.Match, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LookupSimilar", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	cutoff := q.Now.Add(-q.Window)

	query := `SELECT investigation_id, fingerprint, embedding, severity_score, outcome_summary, technique_tags, source_ip, recorded_at
		FROM (
			SELECT DISTINCT ON (investigation_id)
				investigation_id, fingerprint, embedding, severity_score, outcome_summary, technique_tags, source_ip, recorded_at
			FROM memory_records
			ORDER BY investigation_id, recorded_at DESC, id DESC
		) cur
		WHERE recorded_at >= $1 AND recorded_at <= $2`

	rows, err := s.pool.Query(ctx, query, cutoff, q.Now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query memory records: %w", err)
	}
	defer rows.Close()

	var exact, fuzzy []memory.Match
	for rows.Next() {
		var (
			rec      memory.Record
			tagsJSON []byte
		)
		if err := rows.Scan(&rec.InvestigationID, &rec.Fingerprint, &rec.Embedding,
			&rec.SeverityScore, &rec.OutcomeSummary, &tagsJSON, &rec.SourceIP, &rec.Timestamp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		if err := json.Unmarshal(tagsJSON, &rec.TechniqueTags); err != nil {
			return nil, fmt.Errorf("unmarshal technique tags: %w", err)
		}

		if q.Fingerprint != "" && rec.Fingerprint == q.Fingerprint {
			exact = append(exact, memory.Match{Record: rec, Similarity: 1, Exact: true})
			continue
		}
		sim := memory.Cosine(q.Embedding, rec.Embedding)
		if sim >= s.threshold {
			fuzzy = append(fuzzy, memory.Match{Record: rec, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}

	// Exact fingerprint matches rank above any embedding match.
	sort.Slice(exact, func(i, j int) bool {
		return exact[i].Timestamp.After(exact[j].Timestamp)
	})
	sort.Slice(fuzzy, func(i, j int) bool {
		if fuzzy[i].Similarity != fuzzy[j].Similarity {
			return fuzzy[i].Similarity > fuzzy[j].Similarity
		}
		return fuzzy[i].Timestamp.After(fuzzy[j].Timestamp)
	})

	out := append(exact, fuzzy...)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func emptyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
