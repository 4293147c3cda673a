package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/middlemark/escrowd/internal/pagination"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const escrowColumns = `id, booking_id, invoice_id, buyer_id, seller_id,
	amount, token, chain_id, fee_bps,
	deposit_tx_hash, deposit_verified, verified_amount, verify_failure,
	buyer_wallet, escrow_wallet,
	release_tx_hash, release_amount, release_to,
	refund_tx_hash, refund_amount, platform_fee,
	dispute_reason, dispute_opener_id, resolver_id, resolution_notes,
	disputed_at, resolved_at,
	status, created_at, updated_at, funded_at, released_at, refunded_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13,
		        $14, $15,
		        $16, $17, $18,
		        $19, $20, $21,
		        $22, $23, $24, $25,
		        $26, $27,
		        $28, $29, $30, $31, $32, $33)`,
		e.ID, e.BookingID, e.InvoiceID, e.BuyerID, e.SellerID,
		e.Amount, nullString(e.Token), e.ChainID, e.FeeBPS,
		nullString(e.DepositTxHash), e.DepositVerified, nullString(e.VerifiedAmount), nullString(e.VerifyFailure),
		nullString(e.BuyerWallet), nullString(e.EscrowWallet),
		nullString(e.ReleaseTxHash), nullString(e.ReleaseAmount), nullString(e.ReleaseTo),
		nullString(e.RefundTxHash), nullString(e.RefundAmount), nullString(e.PlatformFee),
		nullString(e.DisputeReason), nullString(e.DisputeOpenerID), nullString(e.ResolverID), nullString(e.ResolutionNotes),
		nullTime(e.DisputedAt), nullTime(e.ResolvedAt),
		string(e.Status), e.CreatedAt, e.UpdatedAt, nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateBooking
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrowRow(row)
}

func (p *PostgresStore) GetByBooking(ctx context.Context, bookingID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE booking_id = $1`, bookingID)
	return scanEscrowRow(row)
}

func (p *PostgresStore) GetByDepositTx(ctx context.Context, txHash string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE deposit_tx_hash = $1`, txHash)
	return scanEscrowRow(row)
}

// Transition persists the escrow guarded by the expected pre-state.
// The WHERE status = $from clause is the compare-and-set: zero affected
// rows means another writer got there first.
func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	if err := checkTransition(from, e.Status); err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			deposit_tx_hash = $1, deposit_verified = $2, verified_amount = $3, verify_failure = $4,
			buyer_wallet = $5, escrow_wallet = $6,
			release_tx_hash = $7, release_amount = $8, release_to = $9,
			refund_tx_hash = $10, refund_amount = $11, platform_fee = $12,
			dispute_reason = $13, dispute_opener_id = $14, resolver_id = $15, resolution_notes = $16,
			disputed_at = $17, resolved_at = $18,
			status = $19, updated_at = $20, funded_at = $21, released_at = $22, refunded_at = $23
		WHERE id = $24 AND status = $25`,
		nullString(e.DepositTxHash), e.DepositVerified, nullString(e.VerifiedAmount), nullString(e.VerifyFailure),
		nullString(e.BuyerWallet), nullString(e.EscrowWallet),
		nullString(e.ReleaseTxHash), nullString(e.ReleaseAmount), nullString(e.ReleaseTo),
		nullString(e.RefundTxHash), nullString(e.RefundAmount), nullString(e.PlatformFee),
		nullString(e.DisputeReason), nullString(e.DisputeOpenerID), nullString(e.ResolverID), nullString(e.ResolutionNotes),
		nullTime(e.DisputedAt), nullTime(e.ResolvedAt),
		string(e.Status), e.UpdatedAt, nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		e.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish "gone" from "raced".
		if _, getErr := p.Get(ctx, e.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT ` + fmt.Sprintf("$%d", len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrowRow(row *sql.Row) (*Escrow, error) {
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		token, depositTx, verifiedAmount, verifyFailure   sql.NullString
		buyerWallet, escrowWallet                         sql.NullString
		releaseTx, releaseAmount, releaseTo               sql.NullString
		refundTx, refundAmount, platformFee               sql.NullString
		disputeReason, openerID, resolverID, notes        sql.NullString
		disputedAt, resolvedAt                            sql.NullTime
		fundedAt, releasedAt, refundedAt                  sql.NullTime
		status                                            string
	)

	err := s.Scan(
		&e.ID, &e.BookingID, &e.InvoiceID, &e.BuyerID, &e.SellerID,
		&e.Amount, &token, &e.ChainID, &e.FeeBPS,
		&depositTx, &e.DepositVerified, &verifiedAmount, &verifyFailure,
		&buyerWallet, &escrowWallet,
		&releaseTx, &releaseAmount, &releaseTo,
		&refundTx, &refundAmount, &platformFee,
		&disputeReason, &openerID, &resolverID, &notes,
		&disputedAt, &resolvedAt,
		&status, &e.CreatedAt, &e.UpdatedAt, &fundedAt, &releasedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Token = token.String
	e.DepositTxHash = depositTx.String
	e.VerifiedAmount = verifiedAmount.String
	e.VerifyFailure = verifyFailure.String
	e.BuyerWallet = buyerWallet.String
	e.EscrowWallet = escrowWallet.String
	e.ReleaseTxHash = releaseTx.String
	e.ReleaseAmount = releaseAmount.String
	e.ReleaseTo = releaseTo.String
	e.RefundTxHash = refundTx.String
	e.RefundAmount = refundAmount.String
	e.PlatformFee = platformFee.String
	e.DisputeReason = disputeReason.String
	e.DisputeOpenerID = openerID.String
	e.ResolverID = resolverID.String
	e.ResolutionNotes = notes.String
	e.DisputedAt = timePtr(disputedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.FundedAt = timePtr(fundedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
