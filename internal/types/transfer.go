package types

import "time"

type AckStatus uint8

const (
	AckAccepted AckStatus = 1
	AckRejected AckStatus = 2
)

// OfferMessage is an in-flight transfer proposal from the current holder to
// a recipient. EncryptedShare2 is sealed under SHA-256(share3).
type OfferMessage struct {
	VoucherID       string
	EncryptedShare2 []byte
	Nonce           []byte
	Challenge       []byte
	Timestamp       int64
	TTLSeconds      uint32
}

// ExpiresAt is the instant after which the offer must be rejected.
func (o *OfferMessage) ExpiresAt() time.Time {
	return time.Unix(o.Timestamp, 0).Add(time.Duration(o.TTLSeconds) * time.Second)
}

// AckMessage is the recipient's answer to an offer. Signature is a 65-byte
// recoverable signature over the voucher id, the offer's challenge, Status
// and Recipient, the recipient's claimed compressed public key. It only
// verifies when the key it recovers is Recipient.
type AckMessage struct {
	VoucherID string
	Signature []byte
	Status    AckStatus
	Recipient []byte
}
