package discount

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Credentials struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname"`
}

func (c Credentials) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

// Store reads discount codes from PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(ctx context.Context, cred Credentials) (*Store, error) {
	db, err := sql.Open("postgres", cred.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	return &Store{db: db}, nil
}

func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) RunMigrations() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

const selectCode = `SELECT code, percent_off, fixed_cents, min_subtotal_cents, starts_at, ends_at, active
FROM discount_codes WHERE code = $1`

func (s *Store) Resolve(ctx context.Context, code string) (*pricing.Promotion, error) {
	var (
		p        pricing.Promotion
		percent  sql.NullString
		startsAt sql.NullTime
		endsAt   sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, selectCode, pricing.NormalizeCode(code)).
		Scan(&p.Code, &percent, &p.FixedCents, &p.MinSubtotal, &startsAt, &endsAt, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query discount code: %w", err)
	}

	if percent.Valid {
		d, err := pricing.ParseDecimal(percent.String)
		if err != nil {
			return nil, fmt.Errorf("bad percent for %s: %w", p.Code, err)
		}
		p.Percent = d
	}
	if startsAt.Valid {
		p.StartsAt = startsAt.Time
	}
	if endsAt.Valid {
		p.EndsAt = endsAt.Time
	}
	return &p, nil
}

const upsertCode = `INSERT INTO discount_codes (code, percent_off, fixed_cents, min_subtotal_cents, starts_at, ends_at, active)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (code) DO UPDATE SET
    percent_off = EXCLUDED.percent_off,
    fixed_cents = EXCLUDED.fixed_cents,
    min_subtotal_cents = EXCLUDED.min_subtotal_cents,
    starts_at = EXCLUDED.starts_at,
    ends_at = EXCLUDED.ends_at,
    active = EXCLUDED.active`

// Upsert creates or replaces a discount code.
func (s *Store) Upsert(ctx context.Context, p pricing.Promotion) error {
	var percent any
	if p.Percent.IsPositive() {
		percent = p.Percent.String()
	}
	_, err := s.db.ExecContext(ctx, upsertCode,
		pricing.NormalizeCode(p.Code), percent, p.FixedCents, p.MinSubtotal,
		nullTime(p.StartsAt), nullTime(p.EndsAt), p.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert discount code: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
