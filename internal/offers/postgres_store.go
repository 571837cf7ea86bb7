package offers

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/kunsthall/settlement/internal/pagination"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, artwork_id, buyer_id, seller_id, list_price_cents, offered_price_cents,
		       message, status, payment_ref, payment_link_ref, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, artwork_id, buyer_id, seller_id, list_price_cents, offered_price_cents,
			message, status, payment_ref, payment_link_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.ArtworkID, o.BuyerID, o.SellerID, o.ListPriceCents, o.OfferedPriceCents,
		o.Message, string(o.Status), nullString(o.PaymentRef), nullString(o.PaymentLinkRef),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, role Role, cursor *pagination.Cursor, limit int) ([]*Offer, error) {
	column := "buyer_id"
	if role == RoleSeller {
		column = "seller_id"
	}

	var (
		rows *sql.Rows
		err  error
	)
	// column is one of two constants above, never caller input.
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+offerColumns+` FROM offers
			WHERE `+column+` = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+offerColumns+` FROM offers
			WHERE `+column+` = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), now)
	if err != nil {
		return err
	}
	return p.checkAffected(ctx, result, id)
}

func (p *PostgresStore) AttachPayment(ctx context.Context, id, paymentRef, linkRef string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET payment_ref = $2, payment_link_ref = $3, updated_at = $4
		WHERE id = $1 AND status = 'accepted' AND payment_ref IS NULL`,
		id, paymentRef, nullString(linkRef), now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// payment_ref is unique: the same payment cannot fund two offers.
			return ErrPaymentAttached
		}
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	current, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case current.PaymentRef == paymentRef:
		return nil
	case current.PaymentRef != "":
		return ErrPaymentAttached
	default:
		return ErrInvalidState
	}
}

// MarkDisputed locks the offer row before looking at the release claim.
// Release claims take a share lock on the same row, so the two serialize
// and each sees the other's committed write.
func (p *PostgresStore) MarkDisputed(ctx context.Context, id string, now time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status     string
		paymentRef sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, payment_ref FROM offers WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &paymentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOfferNotFound
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusAccepted || !paymentRef.Valid {
		return ErrInvalidState
	}

	var started bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escrow_approvals
			WHERE offer_id = $1 AND (funds_released OR release_claim_id IS NOT NULL)
		)`, id).Scan(&started)
	if err != nil {
		return err
	}
	if started {
		return ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `UPDATE offers SET status = 'disputed', updated_at = $2 WHERE id = $1`, id, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ExpirePending(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = 'expired', updated_at = $2
		WHERE status = 'pending' AND created_at < $1`,
		cutoff, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// checkAffected turns a zero-row conditional update into ErrOfferNotFound or
// ErrInvalidState.
func (p *PostgresStore) checkAffected(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOfferNotFound
	}
	return ErrInvalidState
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		status     string
		paymentRef sql.NullString
		linkRef    sql.NullString
	)
	err := s.Scan(
		&o.ID, &o.ArtworkID, &o.BuyerID, &o.SellerID, &o.ListPriceCents, &o.OfferedPriceCents,
		&o.Message, &status, &paymentRef, &linkRef, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentRef = paymentRef.String
	o.PaymentLinkRef = linkRef.String
	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
