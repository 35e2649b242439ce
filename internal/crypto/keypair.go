package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// maxKeyDraws bounds rejection sampling; a uniform 256-bit draw lands outside
// [1, N) with probability ~2^-128.
const maxKeyDraws = 16

// KeyPair is a freshly generated voucher identity. Private must be zeroed by
// the caller once the minting routine is done with it.
type KeyPair struct {
	PublicID string
	Private  []byte
}

// Zero scrubs the private scalar.
func (k *KeyPair) Zero() {
	Zero(k.Private)
}

// KeyGenerator draws secp256k1 scalars from Entropy, which must be a
// cryptographically secure source.
type KeyGenerator struct {
	Entropy io.Reader
}

func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{Entropy: rand.Reader}
}

// Generate returns a new key pair whose public id is the hex x-only public key.
func (g *KeyGenerator) Generate() (*KeyPair, error) {
	entropy := g.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	buf := make([]byte, 32)
	defer Zero(buf)
	for i := 0; i < maxKeyDraws; i++ {
		if _, err := io.ReadFull(entropy, buf); err != nil {
			return nil, fmt.Errorf("fail to read entropy: %w", err)
		}
		var k secp256k1.ModNScalar
		overflow := k.SetByteSlice(buf)
		isZero := k.IsZero()
		k.Zero()
		if overflow || isZero {
			continue
		}
		priv, pub := btcec.PrivKeyFromBytes(buf)
		out := &KeyPair{
			PublicID: hex.EncodeToString(schnorr.SerializePubKey(pub)),
			Private:  priv.Serialize(),
		}
		priv.Zero()
		return out, nil
	}
	return nil, fmt.Errorf("fail to draw a valid scalar after %d attempts", maxKeyDraws)
}

// PublicIDFromPrivate derives the x-only public id of a private scalar.
func PublicIDFromPrivate(private []byte) (string, error) {
	if len(private) != 32 {
		return "", fmt.Errorf("private key must be 32 bytes, got %d", len(private))
	}
	priv, pub := btcec.PrivKeyFromBytes(private)
	defer priv.Zero()
	return hex.EncodeToString(schnorr.SerializePubKey(pub)), nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	clear(b)
}
