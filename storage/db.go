package storage

import (
	"context"

	"github.com/vultisig/bonserver/internal/types"
)

// VoucherRepository is the persistence boundary of the voucher ledger.
// Lookups of absent records return an error wrapping types.ErrNotFound.
type VoucherRepository interface {
	GetVoucher(ctx context.Context, id string) (*types.Voucher, error)
	SaveVoucher(ctx context.Context, voucher *types.Voucher) error
	ListVouchers(ctx context.Context, holderID string) ([]*types.Voucher, error)
	GetContacts(ctx context.Context, participant string) ([]types.Contact, error)
	GetMarket(ctx context.Context, id string) (*types.Market, error)
}

type DividendStore interface {
	GetDividendState(ctx context.Context, participant string) (*types.DividendState, error)
	SaveDividendState(ctx context.Context, state *types.DividendState) error
}

type DatabaseStorage interface {
	VoucherRepository
	DividendStore

	SaveContacts(ctx context.Context, participant string, contacts []types.Contact) error
	SaveMarket(ctx context.Context, market *types.Market) error
	Close() error
}

// CloneVoucher returns a deep copy so callers never share share buffers with
// a backend.
func CloneVoucher(v *types.Voucher) *types.Voucher {
	if v == nil {
		return nil
	}
	out := *v
	out.Share1 = cloneBytes(v.Share1)
	out.Share2 = cloneBytes(v.Share2)
	out.Share3 = cloneBytes(v.Share3)
	out.Share2Cipher = cloneBytes(v.Share2Cipher)
	out.Share2Nonce = cloneBytes(v.Share2Nonce)
	out.Share3Cipher = cloneBytes(v.Share3Cipher)
	out.Share3Nonce = cloneBytes(v.Share3Nonce)
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
