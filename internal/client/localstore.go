package client

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNoRecord = errors.New("no local record")

type SessionRecord struct {
	SessionID         string
	DeviceFingerprint string
	UserID            string
	Token             string
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// CartDescriptor describes the persisted guest cart snapshot.
type CartDescriptor struct {
	CartID     string
	SessionID  string
	ExpiresAt  time.Time
	ItemCount  int
	LastSyncAt time.Time
	Snapshot   []byte
}

// PendingMerge is a guest cart merge that was requested at login and not yet
// confirmed by the server.
type PendingMerge struct {
	UserID            string
	SessionID         string
	DeviceFingerprint string
	CreatedAt         time.Time
}

// LocalStore keeps the session, the guest cart, a pending merge and the last
// pricing rules seen from the server in a local SQLite file.
type LocalStore struct {
	db *sql.DB
}

func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	s := &LocalStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) runMigrations() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

const (
	selectSession = `
		SELECT session_id, device_fingerprint, user_id, token, created_at, last_activity_at
		FROM session WHERE id = 1`

	upsertSession = `
		INSERT INTO session (id, session_id, device_fingerprint, user_id, token, created_at, last_activity_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			session_id = excluded.session_id,
			device_fingerprint = excluded.device_fingerprint,
			user_id = excluded.user_id,
			token = excluded.token,
			created_at = excluded.created_at,
			last_activity_at = excluded.last_activity_at`

	selectCart = `
		SELECT cart_id, session_id, expires_at, item_count, last_sync_at, snapshot
		FROM cart_descriptor WHERE id = 1`

	upsertCart = `
		INSERT INTO cart_descriptor (id, cart_id, session_id, expires_at, item_count, last_sync_at, snapshot)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cart_id = excluded.cart_id,
			session_id = excluded.session_id,
			expires_at = excluded.expires_at,
			item_count = excluded.item_count,
			last_sync_at = excluded.last_sync_at,
			snapshot = excluded.snapshot`

	deleteCart = `DELETE FROM cart_descriptor`

	selectPendingMerge = `
		SELECT user_id, session_id, device_fingerprint, created_at
		FROM pending_merge WHERE id = 1`

	upsertPendingMerge = `
		INSERT INTO pending_merge (id, user_id, session_id, device_fingerprint, created_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			session_id = excluded.session_id,
			device_fingerprint = excluded.device_fingerprint,
			created_at = excluded.created_at`

	deletePendingMerge = `DELETE FROM pending_merge`

	selectRules = `SELECT payload FROM pricing_rules WHERE id = 1`

	upsertRules = `
		INSERT INTO pricing_rules (id, payload, fetched_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at`
)

func (s *LocalStore) LoadSession(ctx context.Context) (*SessionRecord, error) {
	var (
		rec                 SessionRecord
		created, lastActive int64
	)
	err := s.db.QueryRowContext(ctx, selectSession).Scan(
		&rec.SessionID, &rec.DeviceFingerprint, &rec.UserID, &rec.Token, &created, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.LastActivityAt = time.UnixMilli(lastActive).UTC()
	return &rec, nil
}

func (s *LocalStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, upsertSession,
		rec.SessionID, rec.DeviceFingerprint, rec.UserID, rec.Token,
		rec.CreatedAt.UnixMilli(), rec.LastActivityAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadCart returns the persisted guest cart. A descriptor that expired by
// now is deleted and reported as missing.
func (s *LocalStore) LoadCart(ctx context.Context, now time.Time) (*CartDescriptor, error) {
	var (
		d                 CartDescriptor
		expires, lastSync int64
	)
	err := s.db.QueryRowContext(ctx, selectCart).Scan(
		&d.CartID, &d.SessionID, &expires, &d.ItemCount, &lastSync, &d.Snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	d.ExpiresAt = time.UnixMilli(expires).UTC()
	d.LastSyncAt = time.UnixMilli(lastSync).UTC()

	if !d.ExpiresAt.After(now) {
		if err := s.DeleteCart(ctx); err != nil {
			return nil, err
		}
		return nil, ErrNoRecord
	}
	return &d, nil
}

func (s *LocalStore) SaveCart(ctx context.Context, d CartDescriptor) error {
	_, err := s.db.ExecContext(ctx, upsertCart,
		d.CartID, d.SessionID, d.ExpiresAt.UnixMilli(), d.ItemCount, d.LastSyncAt.UnixMilli(), d.Snapshot)
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

func (s *LocalStore) DeleteCart(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, deleteCart); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}

func (s *LocalStore) LoadPendingMerge(ctx context.Context) (*PendingMerge, error) {
	var (
		p       PendingMerge
		created int64
	)
	err := s.db.QueryRowContext(ctx, selectPendingMerge).Scan(
		&p.UserID, &p.SessionID, &p.DeviceFingerprint, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("load pending merge: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	return &p, nil
}

func (s *LocalStore) SavePendingMerge(ctx context.Context, p PendingMerge) error {
	_, err := s.db.ExecContext(ctx, upsertPendingMerge,
		p.UserID, p.SessionID, p.DeviceFingerprint, p.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save pending merge: %w", err)
	}
	return nil
}

func (s *LocalStore) DeletePendingMerge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, deletePendingMerge); err != nil {
		return fmt.Errorf("delete pending merge: %w", err)
	}
	return nil
}

// LoadRules returns the pricing rules last fetched from the server.
func (s *LocalStore) LoadRules(ctx context.Context) (*pricing.Rules, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, selectRules).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	var r pricing.Rules
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return &r, nil
}

func (s *LocalStore) SaveRules(ctx context.Context, r pricing.Rules, fetchedAt time.Time) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertRules, payload, fetchedAt.UnixMilli()); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	return nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}
