// Package pgstore provides a PostgreSQL implementation of campaign.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/aegis/internal/campaign"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aegis/internal/campaign/pgstore")

//go:embed schema.sql
var schema string

// Store persists campaigns in PostgreSQL. Put is a compare-and-swap on the
// version column so concurrent correlator workers cannot lose updates.
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

const campaignColumns = `id, member_ids, first_seen, last_seen, technique_tags, archived, merged_into, version`

// Get retrieves a campaign by ID.
func (s *Store) Get(ctx context.Context, id string) (*campaign.Campaign, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if c == nil {
		return nil, false, nil
	}
	return c, true, nil
}

// List returns all campaigns ordered by id.
func (s *Store) List(ctx context.Context) ([]*campaign.Campaign, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + campaignColumns + ` FROM campaigns ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanRow(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return out, nil
}

// FindByMember returns the active campaign containing the investigation id.
// When an id somehow appears in several active campaigns, the lowest
// campaign id wins.
func (s *Store) FindByMember(ctx context.Context, investigationID string) (*campaign.Campaign, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.FindByMember", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	memberJSON, err := json.Marshal([]string{investigationID})
	if err != nil {
		return nil, false, fmt.Errorf("marshal member filter: %w", err)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE NOT archived AND member_ids @> $1
		ORDER BY id LIMIT 1`
	c, err := scanRow(s.pool.QueryRow(ctx, query, memberJSON))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if c == nil {
		return nil, false, nil
	}
	return c, true, nil
}

// Put applies a compare-and-swap write: the row is written only when its
// stored version equals expectedVersion (0 for a new campaign). On success
// the campaign's Version is bumped in place.
func (s *Store) Put(ctx context.Context, c *campaign.Campaign, expectedVersion int64) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	membersJSON, err := json.Marshal(emptySlice(c.MemberIDs))
	if err != nil {
		return fmt.Errorf("marshal member ids: %w", err)
	}
	tagsJSON, err := json.Marshal(emptySlice(c.TechniqueTags))
	if err != nil {
		return fmt.Errorf("marshal technique tags: %w", err)
	}

	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		// Insert-if-absent; a concurrent insert of the same id loses the
		// race and sees a version conflict.
		query := `INSERT INTO campaigns (id, member_ids, first_seen, last_seen, technique_tags, archived, merged_into, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`
		ct, err := s.pool.Exec(ctx, query,
			c.ID, membersJSON, c.FirstSeen, c.LastSeen, tagsJSON, c.Archived, c.MergedInto, newVersion)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("insert campaign: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return campaign.ErrVersionConflict
		}
	} else {
		query := `UPDATE campaigns SET
			member_ids = $2, first_seen = $3, last_seen = $4, technique_tags = $5,
			archived = $6, merged_into = $7, version = $8
			WHERE id = $1 AND version = $9`
		ct, err := s.pool.Exec(ctx, query,
			c.ID, membersJSON, c.FirstSeen, c.LastSeen, tagsJSON, c.Archived, c.MergedInto,
			newVersion, expectedVersion)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("update campaign: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return campaign.ErrVersionConflict
		}
	}

	c.Version = newVersion
	return nil
}

// scanRow rehydrates one campaign row. Returns (nil, nil) when no row is
// found.
func scanRow(row pgx.Row) (*campaign.Campaign, error) {
	var (
		c           campaign.Campaign
		membersJSON []byte
		tagsJSON    []byte
	)

	err := row.Scan(&c.ID, &membersJSON, &c.FirstSeen, &c.LastSeen, &tagsJSON,
		&c.Archived, &c.MergedInto, &c.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	if err := json.Unmarshal(membersJSON, &c.MemberIDs); err != nil {
		return nil, fmt.Errorf("unmarshal member ids: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &c.TechniqueTags); err != nil {
		return nil, fmt.Errorf("unmarshal technique tags: %w", err)
	}
	return &c, nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
