package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/vultisig/bonserver/internal/types"
)

// Signer signs and verifies 32-byte digests with secp256k1 keys.
type Signer interface {
	Sign(hash, privateKey []byte) ([]byte, error)
	Verify(hash, signature, publicKey []byte) bool
	Recover(hash, signature []byte) ([]byte, error)
}

// ECDSASigner produces 65-byte recoverable signatures [R || S || V].
type ECDSASigner struct{}

var _ Signer = ECDSASigner{}

func (ECDSASigner) Sign(hash, privateKey []byte) ([]byte, error) {
	key, err := ethcrypto.ToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("fail to parse private key: %w", err)
	}
	defer key.D.SetInt64(0)
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("fail to sign: %w", err)
	}
	return sig, nil
}

func (ECDSASigner) Verify(hash, signature, publicKey []byte) bool {
	if len(signature) == ethcrypto.SignatureLength {
		signature = signature[:ethcrypto.SignatureLength-1]
	}
	if len(signature) != ethcrypto.SignatureLength-1 {
		return false
	}
	return ethcrypto.VerifySignature(publicKey, hash, signature)
}

// Recover returns the compressed public key that produced signature.
func (ECDSASigner) Recover(hash, signature []byte) ([]byte, error) {
	if len(signature) != ethcrypto.SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes: %w", ethcrypto.SignatureLength, types.ErrBadSignature)
	}
	pub, err := ethcrypto.SigToPub(hash, signature)
	if err != nil {
		return nil, fmt.Errorf("fail to recover public key: %w", types.ErrBadSignature)
	}
	return ethcrypto.CompressPubkey(pub), nil
}

// ChallengeHash is the digest an acknowledgment signs. Covering the status
// keeps an accept and a decline from sharing a signature; covering the
// claimed recipient key means a signature cannot be rebound to whatever key
// it happens to recover under an edited message.
func ChallengeHash(voucherID string, challenge []byte, status types.AckStatus, recipient []byte) []byte {
	return ethcrypto.Keccak256([]byte(voucherID), challenge, []byte{byte(status)}, recipient)
}

// Identity is a participant's long-lived signing key, used by recipients to
// acknowledge offers.
type Identity struct {
	key *ecdsa.PrivateKey
}

func NewIdentity() (*Identity, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("fail to generate identity: %w", err)
	}
	return &Identity{key: key}, nil
}

func IdentityFromBytes(private []byte) (*Identity, error) {
	key, err := ethcrypto.ToECDSA(private)
	if err != nil {
		return nil, fmt.Errorf("fail to parse identity: %w", err)
	}
	return &Identity{key: key}, nil
}

// PublicKey is the compressed SEC1 public key.
func (i *Identity) PublicKey() []byte {
	return ethcrypto.CompressPubkey(&i.key.PublicKey)
}

// SignChallenge signs the acknowledgment digest for status under this
// identity's public key.
func (i *Identity) SignChallenge(voucherID string, challenge []byte, status types.AckStatus) ([]byte, error) {
	sig, err := ethcrypto.Sign(ChallengeHash(voucherID, challenge, status, i.PublicKey()), i.key)
	if err != nil {
		return nil, fmt.Errorf("fail to sign challenge: %w", err)
	}
	return sig, nil
}

// VerifyChallenge checks an acknowledgment against the offer's challenge and
// returns the recipient's compressed public key. The recovered signer must be
// the ack's claimed recipient; a non-nil expected key pins it further.
func VerifyChallenge(signer Signer, challenge []byte, ack types.AckMessage, expected []byte) ([]byte, error) {
	if len(ack.Recipient) == 0 {
		return nil, fmt.Errorf("ack names no recipient: %w", types.ErrBadSignature)
	}
	hash := ChallengeHash(ack.VoucherID, challenge, ack.Status, ack.Recipient)
	pub, err := signer.Recover(hash, ack.Signature)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pub, ack.Recipient) || !signer.Verify(hash, ack.Signature, pub) {
		return nil, fmt.Errorf("signer is not the claimed recipient: %w", types.ErrBadSignature)
	}
	if expected != nil && !bytes.Equal(expected, pub) {
		return nil, fmt.Errorf("signer is not the expected recipient: %w", types.ErrBadSignature)
	}
	return pub, nil
}
