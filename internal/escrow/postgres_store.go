package escrow

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/offers"
)

// PostgresStore persists approvals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const approvalColumns = `offer_id, buyer_id, seller_id, buyer_approved, seller_approved,
		       buyer_approved_at, seller_approved_at, funds_released, release_transfer_ref,
		       release_claim_id, release_claimed_at, total_cents, platform_fee_cents, vat_cents,
		       seller_amount_cents, commission_bps, vat_bps, released_at, approval_deadline,
		       is_stalled, stalled_at, deadline_warned_at, release_attempt, created_at, updated_at`

// unapproved matches rows still waiting on at least one party.
const unapproved = `NOT (buyer_approved AND seller_approved) AND NOT funds_released`

func (p *PostgresStore) Create(ctx context.Context, a *Approval) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_approvals (
			offer_id, buyer_id, seller_id, approval_deadline, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.OfferID, a.BuyerID, a.SellerID, a.ApprovalDeadline, a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, offerID string) (*Approval, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM escrow_approvals WHERE offer_id = $1`, offerID)

	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	return a, err
}

func (p *PostgresStore) Approve(ctx context.Context, offerID string, role offers.Role, now time.Time) (bool, bool, error) {
	var query string
	switch role {
	case offers.RoleBuyer:
		query = `
			UPDATE escrow_approvals
			SET buyer_approved = TRUE, buyer_approved_at = $2, updated_at = $2
			WHERE offer_id = $1 AND NOT buyer_approved AND NOT funds_released
			RETURNING seller_approved`
	case offers.RoleSeller:
		query = `
			UPDATE escrow_approvals
			SET seller_approved = TRUE, seller_approved_at = $2, updated_at = $2
			WHERE offer_id = $1 AND NOT seller_approved AND NOT funds_released
			RETURNING buyer_approved`
	default:
		return false, false, ErrUnauthorized
	}

	var otherApproved bool
	err := p.db.QueryRowContext(ctx, query, offerID, now).Scan(&otherApproved)
	if err == nil {
		return true, otherApproved, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, false, err
	}

	current, err := p.Get(ctx, offerID)
	if err != nil {
		return false, false, err
	}
	return false, current.BothApproved(), nil
}

func (p *PostgresStore) MarkStalled(ctx context.Context, now time.Time) ([]*Approval, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE escrow_approvals
		SET is_stalled = TRUE, stalled_at = $1, updated_at = $1
		WHERE `+unapproved+`
		  AND NOT is_stalled
		  AND approval_deadline < $1
		RETURNING `+approvalColumns,
		now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApprovals(rows)
}

func (p *PostgresStore) MarkDeadlineWarnings(ctx context.Context, now time.Time, lead time.Duration) ([]*Approval, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE escrow_approvals
		SET deadline_warned_at = $1, updated_at = $1
		WHERE `+unapproved+`
		  AND NOT is_stalled
		  AND deadline_warned_at IS NULL
		  AND approval_deadline >= $1
		  AND approval_deadline < $2
		RETURNING `+approvalColumns,
		now, now.Add(lead))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApprovals(rows)
}

// ClaimRelease share-locks the offer row before claiming. Dispute flips
// lock the same row, so a dispute committed after the executor's
// precondition read still blocks the transfer, and a dispute arriving
// after the claim sees it.
func (p *PostgresStore) ClaimRelease(ctx context.Context, offerID, claimID string, now, staleBefore time.Time) (int, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status     string
		paymentRef sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, payment_ref FROM offers WHERE id = $1 FOR SHARE`, offerID).
		Scan(&status, &paymentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrApprovalNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if offers.Status(status) != offers.StatusAccepted || !paymentRef.Valid {
		return 0, false, nil
	}

	var attempt int
	err = tx.QueryRowContext(ctx, `
		UPDATE escrow_approvals
		SET release_claim_id = $2, release_claimed_at = $3
		WHERE offer_id = $1
		  AND buyer_approved AND seller_approved
		  AND NOT funds_released
		  AND (release_claim_id IS NULL OR release_claimed_at < $4)
		RETURNING release_attempt`,
		offerID, claimID, now, staleBefore).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return attempt, true, nil
}

func (p *PostgresStore) CompleteRelease(ctx context.Context, offerID, claimID, transferRef string, amounts commission.Amounts, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_approvals SET
			funds_released = TRUE, release_transfer_ref = $3,
			total_cents = $4, platform_fee_cents = $5, vat_cents = $6, seller_amount_cents = $7,
			commission_bps = $8, vat_bps = $9, released_at = $10, updated_at = $10
		WHERE offer_id = $1 AND release_claim_id = $2 AND NOT funds_released`,
		offerID, claimID, transferRef,
		amounts.TotalCents, amounts.PlatformFeeCents, amounts.VATCents, amounts.SellerAmountCents,
		amounts.CommissionBps, amounts.VATBps, now,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (p *PostgresStore) AbandonRelease(ctx context.Context, offerID, claimID string, refused bool) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrow_approvals
		SET release_claim_id = NULL, release_claimed_at = NULL,
		    release_attempt = release_attempt + CASE WHEN $3 THEN 1 ELSE 0 END
		WHERE offer_id = $1 AND release_claim_id = $2 AND NOT funds_released`,
		offerID, claimID, refused)
	return err
}

func (p *PostgresStore) ListReadyToRelease(ctx context.Context, limit int) ([]*Approval, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+prefixed("a.", approvalColumns)+`
		FROM escrow_approvals a
		JOIN offers o ON o.id = a.offer_id
		WHERE a.buyer_approved AND a.seller_approved
		  AND NOT a.funds_released
		  AND o.status = 'accepted'
		  AND o.payment_ref IS NOT NULL
		ORDER BY a.updated_at ASC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApprovals(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(s scanner) (*Approval, error) {
	a := &Approval{}
	var (
		buyerAt, sellerAt, claimedAt, releasedAt, stalledAt, warnedAt sql.NullTime
		transferRef, claimID                                          sql.NullString
		total, fee, vat, sellerAmt, commissionBps, vatBps             sql.NullInt64
	)
	err := s.Scan(
		&a.OfferID, &a.BuyerID, &a.SellerID, &a.BuyerApproved, &a.SellerApproved,
		&buyerAt, &sellerAt, &a.FundsReleased, &transferRef,
		&claimID, &claimedAt, &total, &fee, &vat,
		&sellerAmt, &commissionBps, &vatBps, &releasedAt, &a.ApprovalDeadline,
		&a.IsStalled, &stalledAt, &warnedAt, &a.ReleaseAttempt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.BuyerApprovedAt = timePtr(buyerAt)
	a.SellerApprovedAt = timePtr(sellerAt)
	a.ReleaseClaimedAt = timePtr(claimedAt)
	a.ReleasedAt = timePtr(releasedAt)
	a.StalledAt = timePtr(stalledAt)
	a.DeadlineWarnedAt = timePtr(warnedAt)
	a.ReleaseTransferRef = transferRef.String
	a.ReleaseClaimID = claimID.String
	if total.Valid {
		a.Amounts = &commission.Amounts{
			TotalCents:        total.Int64,
			PlatformFeeCents:  fee.Int64,
			VATCents:          vat.Int64,
			SellerAmountCents: sellerAmt.Int64,
			CommissionBps:     commissionBps.Int64,
			VATBps:            vatBps.Int64,
		}
	}
	return a, nil
}

func scanApprovals(rows *sql.Rows) ([]*Approval, error) {
	var result []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// prefixed qualifies each column in a comma-separated list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = alias + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
