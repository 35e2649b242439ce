package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vultisig/bonserver/contexthelper"
	"github.com/vultisig/bonserver/internal/types"
)

const (
	CONTACTS_TABLE  = "contacts"
	MARKETS_TABLE   = "markets"
	DIVIDENDS_TABLE = "dividend_states"
)

func (p *PostgresBackend) GetContacts(ctx context.Context, participant string) ([]types.Contact, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT public_key, mutual, follows_count FROM %s WHERE participant = $1 ORDER BY public_key;`, CONTACTS_TABLE)

	rows, err := p.pool.Query(ctx, query, participant)
	if err != nil {
		return nil, fmt.Errorf("failed to get contacts: %w", err)
	}
	defer rows.Close()

	var contacts []types.Contact
	for rows.Next() {
		var c types.Contact
		if err := rows.Scan(&c.PublicKey, &c.Mutual, &c.FollowsCount); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// SaveContacts replaces the participant's contact list.
func (p *PostgresBackend) SaveContacts(ctx context.Context, participant string, contacts []types.Contact) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE participant = $1`, CONTACTS_TABLE), participant); err != nil {
		return fmt.Errorf("failed to clear contacts: %w", err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (participant, public_key, mutual, follows_count) VALUES ($1, $2, $3, $4)`, CONTACTS_TABLE)
	batch := &pgx.Batch{}
	for _, c := range contacts {
		batch.Queue(insert, participant, c.PublicKey, c.Mutual, c.FollowsCount)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert contacts: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) GetMarket(ctx context.Context, id string) (*types.Market, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, name, key, relay_url, created_at FROM %s WHERE id = $1 LIMIT 1;`, MARKETS_TABLE)

	var m types.Market
	err := p.pool.QueryRow(ctx, query, id).Scan(&m.ID, &m.Name, &m.Key, &m.RelayURL, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("market %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	return &m, nil
}

func (p *PostgresBackend) SaveMarket(ctx context.Context, m *types.Market) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, name, key, relay_url, created_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, key = EXCLUDED.key, relay_url = EXCLUDED.relay_url
	`, MARKETS_TABLE)

	if _, err := p.pool.Exec(ctx, query, m.ID, m.Name, m.Key, m.RelayURL, m.CreatedAt); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetDividendState(ctx context.Context, participant string) (*types.DividendState, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT participant, current_du, last_issued_at, pending_amount, pending_issued FROM %s WHERE participant = $1 LIMIT 1;`, DIVIDENDS_TABLE)

	var st types.DividendState
	err := p.pool.QueryRow(ctx, query, participant).Scan(&st.Participant, &st.CurrentDU, &st.LastIssuedAt, &st.PendingAmount, &st.PendingIssued)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dividend state %s: %w", participant, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dividend state: %w", err)
	}
	return &st, nil
}

func (p *PostgresBackend) SaveDividendState(ctx context.Context, st *types.DividendState) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (participant, current_du, last_issued_at, pending_amount, pending_issued)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (participant) DO UPDATE SET current_du = EXCLUDED.current_du, last_issued_at = EXCLUDED.last_issued_at,
	pending_amount = EXCLUDED.pending_amount, pending_issued = EXCLUDED.pending_issued
	`, DIVIDENDS_TABLE)

	if _, err := p.pool.Exec(ctx, query, st.Participant, st.CurrentDU, st.LastIssuedAt, st.PendingAmount, st.PendingIssued); err != nil {
		return fmt.Errorf("failed to save dividend state: %w", err)
	}
	return nil
}
