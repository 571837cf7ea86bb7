package payments

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// PayoutAccount maps a marketplace user to a connected processor account.
type PayoutAccount struct {
	UserID    string    `json:"userId"`
	AccountID string    `json:"accountId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AccountStore is the payout account directory.
type AccountStore interface {
	// Get returns ErrNoPayoutAccount when userID has none.
	Get(ctx context.Context, userID string) (*PayoutAccount, error)
	// Put registers or replaces userID's account.
	Put(ctx context.Context, userID, accountID string, now time.Time) (*PayoutAccount, error)
}

// MemoryAccountStore is an in-memory directory for development and tests.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*PayoutAccount
}

// NewMemoryAccountStore creates an empty directory.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]*PayoutAccount)}
}

func (m *MemoryAccountStore) Get(_ context.Context, userID string) (*PayoutAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNoPayoutAccount
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryAccountStore) Put(_ context.Context, userID, accountID string, now time.Time) (*PayoutAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		a = &PayoutAccount{UserID: userID, CreatedAt: now}
		m.accounts[userID] = a
	}
	a.AccountID = accountID
	a.UpdatedAt = now
	cp := *a
	return &cp, nil
}

// PostgresAccountStore persists the directory in the payout_accounts table.
type PostgresAccountStore struct {
	db *sql.DB
}

// NewPostgresAccountStore creates a PostgreSQL-backed directory.
func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (p *PostgresAccountStore) Get(ctx context.Context, userID string) (*PayoutAccount, error) {
	a := &PayoutAccount{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, account_id, created_at, updated_at
		FROM payout_accounts WHERE user_id = $1`, userID,
	).Scan(&a.UserID, &a.AccountID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPayoutAccount
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresAccountStore) Put(ctx context.Context, userID, accountID string, now time.Time) (*PayoutAccount, error) {
	a := &PayoutAccount{}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO payout_accounts (user_id, account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET account_id = EXCLUDED.account_id, updated_at = EXCLUDED.updated_at
		RETURNING user_id, account_id, created_at, updated_at`,
		userID, accountID, now,
	).Scan(&a.UserID, &a.AccountID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

var (
	_ AccountStore = (*MemoryAccountStore)(nil)
	_ AccountStore = (*PostgresAccountStore)(nil)
)
