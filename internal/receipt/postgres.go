package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists receipts in PostgreSQL for audit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			lines TEXT[] NOT NULL,
			outcome TEXT NOT NULL,
			rule TEXT NOT NULL DEFAULT '',
			customer_id TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL DEFAULT '0',
			currency TEXT NOT NULL,
			approval_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_created ON receipts (created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init receipt schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Save is insert-only: a receipt id that already exists is left untouched.
func (s *PostgresStore) Save(ctx context.Context, r Receipt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO receipts (id, kind, title, lines, outcome, rule, customer_id, amount, currency, approval_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID,
		string(r.Kind),
		r.Title,
		r.Lines,
		string(r.Outcome),
		r.Rule,
		r.CustomerID,
		r.Amount.String(),
		r.Currency,
		r.ApprovalID,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	return nil
}

const selectReceipt = `SELECT id, kind, title, lines, outcome, rule, customer_id, amount, currency, approval_id, created_at FROM receipts`

func (s *PostgresStore) Get(ctx context.Context, id string) (Receipt, error) {
	row := s.pool.QueryRow(ctx, selectReceipt+` WHERE id=$1`, strings.TrimSpace(id))
	r, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectReceipt+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	out := make([]Receipt, 0, limit)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipt rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanReceipt(row pgx.Row) (Receipt, error) {
	var (
		r       Receipt
		kind    string
		outcome string
		amount  string
	)
	if err := row.Scan(&r.ID, &kind, &r.Title, &r.Lines, &outcome, &r.Rule, &r.CustomerID, &amount, &r.Currency, &r.ApprovalID, &r.CreatedAt); err != nil {
		return Receipt{}, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	r.Kind = Kind(kind)
	r.Outcome = Outcome(outcome)
	r.Amount = parsed
	return r, nil
}
