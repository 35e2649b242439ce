package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vultisig/bonserver/internal/types"
)

const (
	KeySize = 32

	marketKeyIterations = 4096
)

// Encrypt seals plaintext with AES-256-GCM under key. A fresh random nonce
// is returned alongside the ciphertext and must travel with it.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("fail to generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext. Any tampering, a wrong key or a wrong nonce
// yields ErrAuthenticationFailure; no unauthenticated bytes are returned.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, types.ErrAuthenticationFailure)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes: %w", gcm.NonceSize(), types.ErrAuthenticationFailure)
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %w", types.ErrAuthenticationFailure)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, types.ErrAuthenticationFailure
	}
	return plaintext, nil
}

// EncryptShare2 wraps share2 under SHA-256(share3).
func EncryptShare2(share2, share3 []byte) (ciphertext, nonce []byte, err error) {
	key := share3Key(share3)
	defer Zero(key)
	return Encrypt(share2, key)
}

func DecryptShare2(ciphertext, nonce, share3 []byte) ([]byte, error) {
	key := share3Key(share3)
	defer Zero(key)
	return Decrypt(ciphertext, nonce, key)
}

// EncryptShare3 wraps share3 under the market's symmetric key.
func EncryptShare3(share3, marketKey []byte) (ciphertext, nonce []byte, err error) {
	return Encrypt(share3, marketKey)
}

func DecryptShare3(ciphertext, nonce, marketKey []byte) ([]byte, error) {
	return Decrypt(ciphertext, nonce, marketKey)
}

// DeriveMarketKey stretches an operator passphrase into a market key.
func DeriveMarketKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, marketKeyIterations, KeySize, sha256.New)
}

func share3Key(share3 []byte) []byte {
	sum := sha256.Sum256(share3)
	key := make([]byte, KeySize)
	copy(key, sum[:])
	clear(sum[:])
	return key
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fail to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fail to create gcm: %w", err)
	}
	return gcm, nil
}
