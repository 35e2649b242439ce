package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vultisig/bonserver/contexthelper"
	"github.com/vultisig/bonserver/internal/types"
)

const VOUCHERS_TABLE = "vouchers"

const voucherColumns = `id, value, status, share1, share2, share3, share2_cipher, share2_nonce,
	share3_cipher, share3_nonce, issued_at, expires_at, issuer_id, holder_id, market_id,
	category, dividend_at_creation, updated_at`

func scanVoucher(row pgx.Row) (*types.Voucher, error) {
	var v types.Voucher
	err := row.Scan(
		&v.ID,
		&v.Value,
		&v.Status,
		&v.Share1,
		&v.Share2,
		&v.Share3,
		&v.Share2Cipher,
		&v.Share2Nonce,
		&v.Share3Cipher,
		&v.Share3Nonce,
		&v.IssuedAt,
		&v.ExpiresAt,
		&v.IssuerID,
		&v.HolderID,
		&v.MarketID,
		&v.Category,
		&v.DividendAtCreation,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *PostgresBackend) GetVoucher(ctx context.Context, id string) (*types.Voucher, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 LIMIT 1;`, voucherColumns, VOUCHERS_TABLE)

	v, err := scanVoucher(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("voucher %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get voucher: %w", err)
	}
	return v, nil
}

func (p *PostgresBackend) SaveVoucher(ctx context.Context, v *types.Voucher) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (id) DO UPDATE SET
		value = EXCLUDED.value,
		status = EXCLUDED.status,
		share1 = EXCLUDED.share1,
		share2 = EXCLUDED.share2,
		share3 = EXCLUDED.share3,
		share2_cipher = EXCLUDED.share2_cipher,
		share2_nonce = EXCLUDED.share2_nonce,
		share3_cipher = EXCLUDED.share3_cipher,
		share3_nonce = EXCLUDED.share3_nonce,
		expires_at = EXCLUDED.expires_at,
		holder_id = EXCLUDED.holder_id,
		updated_at = EXCLUDED.updated_at
	`, VOUCHERS_TABLE, voucherColumns)

	_, err := p.pool.Exec(ctx, query,
		v.ID, v.Value, v.Status, v.Share1, v.Share2, v.Share3,
		v.Share2Cipher, v.Share2Nonce, v.Share3Cipher, v.Share3Nonce,
		v.IssuedAt, v.ExpiresAt, v.IssuerID, v.HolderID, v.MarketID,
		v.Category, v.DividendAtCreation, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save voucher %s: %w", v.ID, err)
	}
	return nil
}

func (p *PostgresBackend) ListVouchers(ctx context.Context, holderID string) ([]*types.Voucher, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE holder_id = $1 ORDER BY issued_at, id;`, voucherColumns, VOUCHERS_TABLE)

	rows, err := p.pool.Query(ctx, query, holderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vouchers: %w", err)
	}
	defer rows.Close()

	var vouchers []*types.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan voucher: %w", err)
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, rows.Err()
}
