package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/metrics"
	"github.com/kunsthall/settlement/internal/pagination"
)

// Alert is an operator-facing record of something that needs a human:
// a stalled escrow, a raised dispute, a transfer that landed without the
// local state following.
type Alert struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	OfferID   string         `json:"offerId,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AlertPage is one page of alerts, newest first.
type AlertPage struct {
	Alerts     []*Alert `json:"alerts"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// AlertStore persists alerts.
type AlertStore interface {
	Create(ctx context.Context, a *Alert) error
	List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Alert, error)
}

// Alerter records admin alerts in the background and mirrors them to the log.
type Alerter struct {
	store  AlertStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAlerter creates an alerter over store.
func NewAlerter(store AlertStore, logger *slog.Logger) *Alerter {
	return &Alerter{store: store, logger: logger, now: time.Now}
}

// Alert records an alert without blocking the caller.
func (a *Alerter) Alert(ctx context.Context, kind, offerID, message string, details map[string]any) {
	metrics.AdminAlertsTotal.WithLabelValues(kind).Inc()
	a.logger.Warn("admin alert", "kind", kind, "offer_id", offerID, "message", message)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	alert := &Alert{
		ID:        idgen.WithPrefix(idgen.PrefixAlert),
		Kind:      kind,
		OfferID:   offerID,
		Message:   message,
		Details:   details,
		CreatedAt: a.now().UTC(),
	}
	base := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(base, DefaultTimeout)
		defer cancel()
		if err := a.store.Create(ctx, alert); err != nil {
			a.logger.Error("failed to record admin alert",
				"alert_id", alert.ID, "kind", kind, "offer_id", offerID, "error", err)
		}
	}()
}

// List returns recorded alerts, newest first.
func (a *Alerter) List(ctx context.Context, cursor string, limit int) (*AlertPage, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	alerts, err := a.store.List(ctx, cur, limit+1)
	if err != nil {
		return nil, err
	}
	alerts, next, more := pagination.ComputePage(alerts, limit, func(al *Alert) (time.Time, string) {
		return al.CreatedAt, al.ID
	})
	if alerts == nil {
		alerts = []*Alert{}
	}
	return &AlertPage{Alerts: alerts, NextCursor: next, HasMore: more}, nil
}

// Close waits for pending writes; later alerts are only logged.
func (a *Alerter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}

// Flush waits for pending writes.
func (a *Alerter) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wg.Wait()
}

// MemoryAlertStore keeps alerts in memory for development and tests.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts []*Alert
}

// NewMemoryAlertStore creates an empty store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{}
}

func (m *MemoryAlertStore) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m *MemoryAlertStore) List(_ context.Context, cursor *pagination.Cursor, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Alert
	for _, a := range m.alerts {
		if !cursor.After(a.CreatedAt, a.ID) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PostgresAlertStore persists alerts in the admin_alerts table.
type PostgresAlertStore struct {
	db *sql.DB
}

// NewPostgresAlertStore creates a PostgreSQL-backed alert store.
func NewPostgresAlertStore(db *sql.DB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

func (p *PostgresAlertStore) Create(ctx context.Context, a *Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	if a.Details == nil {
		details = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO admin_alerts (id, kind, offer_id, message, details, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		a.ID, a.Kind, a.OfferID, a.Message, details, a.CreatedAt,
	)
	return err
}

func (p *PostgresAlertStore) List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Alert, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT id, kind, COALESCE(offer_id, ''), message, details, created_at FROM admin_alerts`
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, cols+`
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, cols+`
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a := &Alert{}
		var details []byte
		if err := rows.Scan(&a.ID, &a.Kind, &a.OfferID, &a.Message, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, errors.Join(errors.New("corrupt alert details"), err)
			}
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

var (
	_ AlertStore = (*MemoryAlertStore)(nil)
	_ AlertStore = (*PostgresAlertStore)(nil)
)
