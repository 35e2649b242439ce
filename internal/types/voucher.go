package types

import (
	"fmt"
	"time"
)

type VoucherStatus string

const (
	StatusActive          VoucherStatus = "ACTIVE"
	StatusPendingTransfer VoucherStatus = "PENDING_TRANSFER"
	StatusTransferred     VoucherStatus = "TRANSFERRED"
	StatusRedeemed        VoucherStatus = "REDEEMED"
	StatusExpired         VoucherStatus = "EXPIRED"
)

// Terminal reports whether no further transition may leave the status.
func (s VoucherStatus) Terminal() bool {
	switch s {
	case StatusTransferred, StatusRedeemed, StatusExpired:
		return true
	default:
		return false
	}
}

type Category string

const (
	CategoryBootstrap Category = "bootstrap"
	CategoryDividend  Category = "DU"
)

// Voucher is a bearer unit of value. ID is the x-only public key of the
// voucher's secp256k1 key pair, hex encoded.
//
// Share1..3 are serialized secret shares held locally; the cipher fields are
// the copies announced to the relay (share2 under SHA-256(share3), share3
// under the market key).
type Voucher struct {
	ID                 string        `json:"id"`
	Value              float64       `json:"value"`
	Status             VoucherStatus `json:"status"`
	Share1             []byte        `json:"share1,omitempty"`
	Share2             []byte        `json:"share2,omitempty"`
	Share3             []byte        `json:"share3,omitempty"`
	Share3Cipher       []byte        `json:"share3_cipher,omitempty"`
	Share3Nonce        []byte        `json:"share3_nonce,omitempty"`
	Share2Cipher       []byte        `json:"share2_cipher,omitempty"`
	Share2Nonce        []byte        `json:"share2_nonce,omitempty"`
	IssuedAt           time.Time     `json:"issued_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
	IssuerID           string        `json:"issuer_id"`
	HolderID           string        `json:"holder_id"`
	MarketID           string        `json:"market_id"`
	Category           Category      `json:"category"`
	DividendAtCreation float64       `json:"dividend_at_creation"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// IsExpiredAt reports whether the voucher is worthless at now.
func (v *Voucher) IsExpiredAt(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// Key is the cache key used by storage backends.
func (v *Voucher) Key() string {
	return VoucherKey(v.ID)
}

func VoucherKey(id string) string {
	return fmt.Sprintf("voucher-%s", id)
}

// Contact is a social link as seen from the local participant.
type Contact struct {
	PublicKey string `json:"public_key"`
	Mutual    bool   `json:"mutual"`
	// FollowsCount is the number of contacts this contact itself follows.
	FollowsCount int `json:"follows_count"`
}

type Market struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Key is the 32-byte symmetric key share3 is wrapped with.
	Key       []byte    `json:"key"`
	RelayURL  string    `json:"relay_url"`
	CreatedAt time.Time `json:"created_at"`
}
