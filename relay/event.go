package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/vultisig/bonserver/internal/types"
)

const (
	KindVoucherAnnouncement = 30303
	KindTransferAudit       = 30304
	KindRedemption          = 30305
)

type Tag []string

type Tags []Tag

// Find returns the first value of the tag named name.
func (t Tags) Find(name string) string {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Event is a signed relay record. ID is the hex SHA-256 of the canonical
// serialization and Sig a BIP-340 signature over it.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Filter selects events for a subscription.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   int64               `json:"since,omitempty"`
	Until   int64               `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// MarshalJSON flattens tag filters into "#<name>" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	type plain Filter
	base, err := json.Marshal(plain(f))
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}
	var out map[string]any
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	return json.Marshal(out)
}

func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash is the SHA-256 of [0, pubkey, created_at, kind, tags, content].
func (e *Event) Hash() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	raw, err := canonicalJSON([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return nil, fmt.Errorf("fail to serialize event: %w", err)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// Sign fills PubKey, ID and Sig using key.
func (e *Event) Sign(key *btcec.PrivateKey) error {
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))
	hash, err := e.Hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(key, hash)
	if err != nil {
		return fmt.Errorf("fail to sign event: %w", err)
	}
	e.ID = hex.EncodeToString(hash)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that ID matches the content and Sig was made by PubKey.
func (e *Event) Verify() error {
	hash, err := e.Hash()
	if err != nil {
		return err
	}
	if hex.EncodeToString(hash) != e.ID {
		return fmt.Errorf("event id does not match content: %w", types.ErrBadSignature)
	}
	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("event pubkey is not hex: %w", types.ErrMalformedPayload)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("event pubkey is invalid: %w", types.ErrMalformedPayload)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("event sig is not hex: %w", types.ErrMalformedPayload)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("event sig is invalid: %w", types.ErrBadSignature)
	}
	if !sig.Verify(hash, pub) {
		return types.ErrBadSignature
	}
	return nil
}
