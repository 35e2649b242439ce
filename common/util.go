package common

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// CompressData xz-compresses data.
func CompressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("fail to create xz writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("fail to compress data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("fail to close xz writer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecompressData(compressed []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("fail to create xz reader: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fail to decompress data: %w", err)
	}
	return data, nil
}

func backupGCM(password string) (cipher.AEAD, error) {
	hash := sha256.Sum256([]byte(password))
	block, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptGCM seals data under SHA-256(password). The nonce is prepended to the
// returned ciphertext.
func EncryptGCM(password string, data []byte) ([]byte, error) {
	gcm, err := backupGCM(password)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func DecryptGCM(password string, sealed []byte) ([]byte, error) {
	gcm, err := backupGCM(password)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// SealBackup compresses then encrypts a wallet snapshot.
func SealBackup(password string, snapshot []byte) ([]byte, error) {
	compressed, err := CompressData(snapshot)
	if err != nil {
		return nil, err
	}
	return EncryptGCM(password, compressed)
}

func OpenBackup(password string, sealed []byte) ([]byte, error) {
	compressed, err := DecryptGCM(password, sealed)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt backup: %w", err)
	}
	return DecompressData(compressed)
}
