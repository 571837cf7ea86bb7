package disputes

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/kunsthall/settlement/internal/offers"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, offer_id, initiator_id, initiator_role, reason, description, attachments,
		       status, resolution, resolution_note, resolved_by, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	attachments := d.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, offer_id, initiator_id, initiator_role, reason, description, attachments, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.OfferID, d.InitiatorID, string(d.InitiatorRole), d.Reason, d.Description,
		pq.Array(attachments), string(d.Status), d.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByOffer(ctx context.Context, offerID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE offer_id = $1
		ORDER BY created_at DESC, id DESC`,
		offerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, resolution Resolution, note, adminID string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = 'resolved', resolution = $2, resolution_note = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1 AND status = 'open'`,
		id, string(resolution), note, adminID, now)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		role, status                 string
		resolution, note, resolvedBy sql.NullString
		resolvedAt                   sql.NullTime
		attachments                  pq.StringArray
	)
	err := s.Scan(
		&d.ID, &d.OfferID, &d.InitiatorID, &role, &d.Reason, &d.Description, &attachments,
		&status, &resolution, &note, &resolvedBy, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.InitiatorRole = offers.Role(role)
	d.Status = Status(status)
	d.Resolution = Resolution(resolution.String)
	d.ResolutionNote = note.String
	d.ResolvedBy = resolvedBy.String
	d.Attachments = []string(attachments)
	if d.Attachments == nil {
		d.Attachments = []string{}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
