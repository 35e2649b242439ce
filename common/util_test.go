package common

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataCompression(t *testing.T) {
	data := bytes.Repeat([]byte("voucher"), 100)
	compressedData, err := CompressData(data)
	require.NoError(t, err)
	assert.Less(t, len(compressedData), len(data))

	decompressedData, err := DecompressData(compressedData)
	require.NoError(t, err)
	assert.Equal(t, data, decompressedData)
}

func TestGCMEncryption(t *testing.T) {
	password := "password"
	src := []byte("wallet_bytes")
	encrypted, err := EncryptGCM(password, src)
	require.NoError(t, err)

	decrypted, err := DecryptGCM(password, encrypted)
	require.NoError(t, err)
	assert.Equal(t, src, decrypted)

	_, err = DecryptGCM("wrong", encrypted)
	assert.Error(t, err)
	_, err = DecryptGCM(password, encrypted[:4])
	assert.Error(t, err)
}

func TestBackupRoundTrip(t *testing.T) {
	snapshot := []byte(`{"owner":"abc","vouchers":[]}`)
	sealed, err := SealBackup("secret", snapshot)
	require.NoError(t, err)

	opened, err := OpenBackup("secret", sealed)
	require.NoError(t, err)
	assert.Equal(t, snapshot, opened)

	_, err = OpenBackup("other", sealed)
	assert.Error(t, err)
}
