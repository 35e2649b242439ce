// Package codec encodes offer and acknowledgment messages into the compact
// binary records exchanged face to face over QR codes and NFC taps.
//
// A record is a 3-byte header (magic, version, message type) followed by a
// CBOR array in core deterministic encoding, so the same logical message
// always produces the same bytes.
package codec

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vultisig/bonserver/internal/crypto"
	"github.com/vultisig/bonserver/internal/types"
)

const (
	Magic   byte = 0xB0
	Version byte = 0x01

	TypeOffer byte = 0x01
	TypeAck   byte = 0x02

	headerSize = 3

	VoucherIDSize = 32
	NonceSize     = 12
	ChallengeSize = 16
	SignatureSize = 65
	// RecipientKeySize is a compressed secp256k1 public key.
	RecipientKeySize = 33
	// EncryptedShareSize is a sealed share: share bytes plus the GCM tag.
	EncryptedShareSize = crypto.ShareSize + 16

	// DefaultTTL is the offer validity window.
	DefaultTTL = 30 * time.Second
)

type offerRecord struct {
	_               struct{} `cbor:",toarray"`
	VoucherID       []byte
	EncryptedShare2 []byte
	Nonce           []byte
	Challenge       []byte
	Timestamp       int64
	TTLSeconds      uint32
}

type ackRecord struct {
	_         struct{} `cbor:",toarray"`
	VoucherID []byte
	Signature []byte
	Status    uint8
	Recipient []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
}

func EncodeOffer(m types.OfferMessage) ([]byte, error) {
	id, err := voucherIDBytes(m.VoucherID)
	if err != nil {
		return nil, err
	}
	rec := offerRecord{
		VoucherID:       id,
		EncryptedShare2: m.EncryptedShare2,
		Nonce:           m.Nonce,
		Challenge:       m.Challenge,
		Timestamp:       m.Timestamp,
		TTLSeconds:      m.TTLSeconds,
	}
	if err := rec.validate(); err != nil {
		return nil, err
	}
	return encode(TypeOffer, rec)
}

func DecodeOffer(b []byte) (types.OfferMessage, error) {
	var rec offerRecord
	if err := decode(b, TypeOffer, &rec); err != nil {
		return types.OfferMessage{}, err
	}
	if err := rec.validate(); err != nil {
		return types.OfferMessage{}, err
	}
	return types.OfferMessage{
		VoucherID:       hex.EncodeToString(rec.VoucherID),
		EncryptedShare2: rec.EncryptedShare2,
		Nonce:           rec.Nonce,
		Challenge:       rec.Challenge,
		Timestamp:       rec.Timestamp,
		TTLSeconds:      rec.TTLSeconds,
	}, nil
}

func EncodeAck(m types.AckMessage) ([]byte, error) {
	id, err := voucherIDBytes(m.VoucherID)
	if err != nil {
		return nil, err
	}
	rec := ackRecord{
		VoucherID: id,
		Signature: m.Signature,
		Status:    uint8(m.Status),
		Recipient: m.Recipient,
	}
	if err := rec.validate(); err != nil {
		return nil, err
	}
	return encode(TypeAck, rec)
}

func DecodeAck(b []byte) (types.AckMessage, error) {
	var rec ackRecord
	if err := decode(b, TypeAck, &rec); err != nil {
		return types.AckMessage{}, err
	}
	if err := rec.validate(); err != nil {
		return types.AckMessage{}, err
	}
	return types.AckMessage{
		VoucherID: hex.EncodeToString(rec.VoucherID),
		Signature: rec.Signature,
		Status:    types.AckStatus(rec.Status),
		Recipient: rec.Recipient,
	}, nil
}

// PeekType returns the message type of a record without decoding its body.
func PeekType(b []byte) (byte, error) {
	if len(b) < headerSize || b[0] != Magic || b[1] != Version {
		return 0, fmt.Errorf("bad record header: %w", types.ErrMalformedPayload)
	}
	return b[2], nil
}

// IsExpired reports whether an offer stamped at timestamp (unix seconds) with
// the given ttl has lapsed on the local clock.
func IsExpired(timestamp int64, ttlSeconds uint32) bool {
	return IsExpiredAt(timestamp, ttlSeconds, time.Now())
}

func IsExpiredAt(timestamp int64, ttlSeconds uint32, now time.Time) bool {
	deadline := time.Unix(timestamp, 0).Add(time.Duration(ttlSeconds) * time.Second)
	return now.After(deadline)
}

func encode(msgType byte, rec any) ([]byte, error) {
	body, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("fail to encode record: %w", err)
	}
	out := make([]byte, 0, headerSize+len(body))
	out = append(out, Magic, Version, msgType)
	return append(out, body...), nil
}

func decode(b []byte, msgType byte, rec any) error {
	got, err := PeekType(b)
	if err != nil {
		return err
	}
	if got != msgType {
		return fmt.Errorf("record type %#x, want %#x: %w", got, msgType, types.ErrMalformedPayload)
	}
	if err := decMode.Unmarshal(b[headerSize:], rec); err != nil {
		return fmt.Errorf("%v: %w", err, types.ErrMalformedPayload)
	}
	return nil
}

func voucherIDBytes(id string) ([]byte, error) {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != VoucherIDSize || hex.EncodeToString(raw) != id {
		return nil, fmt.Errorf("voucher id must be %d lowercase hex bytes: %w", VoucherIDSize, types.ErrMalformedPayload)
	}
	return raw, nil
}

func (r *offerRecord) validate() error {
	switch {
	case len(r.VoucherID) != VoucherIDSize:
		return fmt.Errorf("voucher id length %d: %w", len(r.VoucherID), types.ErrMalformedPayload)
	case len(r.EncryptedShare2) != EncryptedShareSize:
		return fmt.Errorf("encrypted share length %d: %w", len(r.EncryptedShare2), types.ErrMalformedPayload)
	case len(r.Nonce) != NonceSize:
		return fmt.Errorf("nonce length %d: %w", len(r.Nonce), types.ErrMalformedPayload)
	case len(r.Challenge) != ChallengeSize:
		return fmt.Errorf("challenge length %d: %w", len(r.Challenge), types.ErrMalformedPayload)
	case r.Timestamp <= 0:
		return fmt.Errorf("timestamp %d: %w", r.Timestamp, types.ErrMalformedPayload)
	case r.TTLSeconds == 0:
		return fmt.Errorf("zero ttl: %w", types.ErrMalformedPayload)
	}
	return nil
}

func (r *ackRecord) validate() error {
	switch {
	case len(r.VoucherID) != VoucherIDSize:
		return fmt.Errorf("voucher id length %d: %w", len(r.VoucherID), types.ErrMalformedPayload)
	case len(r.Signature) != SignatureSize:
		return fmt.Errorf("signature length %d: %w", len(r.Signature), types.ErrMalformedPayload)
	case r.Status != uint8(types.AckAccepted) && r.Status != uint8(types.AckRejected):
		return fmt.Errorf("status %d: %w", r.Status, types.ErrMalformedPayload)
	case len(r.Recipient) != RecipientKeySize:
		return fmt.Errorf("recipient key length %d: %w", len(r.Recipient), types.ErrMalformedPayload)
	}
	return nil
}
