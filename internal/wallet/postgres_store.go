package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/middlemark/escrowd/internal/idgen"
)

// PostgresStore persists payout wallets in the payout_wallets table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const walletColumns = `id, user_id, chain_id, address, label, created_at, updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, w *Wallet) error {
	if w.ID == "" {
		w.ID = idgen.WithPrefix("pw_")
	}
	// Replacing an existing registration keeps its id and created_at.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_wallets (id, user_id, chain_id, address, label, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, chain_id) DO UPDATE
		SET address = EXCLUDED.address, label = EXCLUDED.label, updated_at = EXCLUDED.updated_at`,
		w.ID, w.UserID, w.ChainID, w.Address, w.Label, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting wallet: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, chainID string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM payout_wallets WHERE user_id = $1 AND chain_id = $2`,
		userID, chainID,
	)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM payout_wallets WHERE user_id = $1 ORDER BY chain_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing wallets: %w", err)
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, userID, chainID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM payout_wallets WHERE user_id = $1 AND chain_id = $2`,
		userID, chainID,
	)
	if err != nil {
		return fmt.Errorf("deleting wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWallet(row interface{ Scan(...interface{}) error }) (*Wallet, error) {
	var w Wallet
	var label sql.NullString
	if err := row.Scan(&w.ID, &w.UserID, &w.ChainID, &w.Address, &label, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Label = label.String
	return &w, nil
}
