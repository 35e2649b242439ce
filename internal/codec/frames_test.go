package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/bonserver/internal/types"
)

func TestQRAndNFCDecodeIdentically(t *testing.T) {
	offer := sampleOffer(t)
	record, err := EncodeOffer(offer)
	require.NoError(t, err)

	fromQR, err := DecodeQR(EncodeQR(record))
	require.NoError(t, err)
	fromNFC, err := DecodeNDEF(EncodeNDEF(record))
	require.NoError(t, err)
	assert.Equal(t, fromQR, fromNFC)

	qrOffer, err := DecodeOffer(fromQR)
	require.NoError(t, err)
	nfcOffer, err := DecodeOffer(fromNFC)
	require.NoError(t, err)
	assert.Equal(t, qrOffer, nfcOffer)
	assert.Equal(t, offer, nfcOffer)
}

func TestNDEFLongRecord(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 300)
	rec := EncodeNDEF(payload)
	assert.Zero(t, rec[0]&ndefFlagSR)
	got, err := DecodeNDEF(rec)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestNDEFWithID(t *testing.T) {
	payload := []byte("record")
	rec := []byte{ndefFlagMB | ndefFlagME | ndefFlagSR | ndefFlagIL | ndefTNFExt, byte(len(NDEFType)), byte(len(payload)), 2}
	rec = append(rec, NDEFType...)
	rec = append(rec, 'i', 'd')
	rec = append(rec, payload...)

	got, err := DecodeNDEF(rec)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeNDEFRejects(t *testing.T) {
	good := EncodeNDEF([]byte("payload"))

	wrongTNF := append([]byte(nil), good...)
	wrongTNF[0] = (wrongTNF[0] &^ ndefTNFMask) | 0x01
	chunked := append([]byte(nil), good...)
	chunked[0] &^= ndefFlagME
	wrongType := append([]byte(nil), good...)
	wrongType[3] = 'x'

	testCases := []struct {
		name  string
		input []byte
	}{
		{name: "too short", input: []byte{0xd4}},
		{name: "well known tnf", input: wrongTNF},
		{name: "chunked", input: chunked},
		{name: "foreign type", input: wrongType},
		{name: "truncated", input: good[:len(good)-1]},
		{name: "extended", input: append(append([]byte(nil), good...), 0)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeNDEF(tc.input)
			assert.ErrorIs(t, err, types.ErrMalformedPayload)
		})
	}
}

func TestDecodeQRRejects(t *testing.T) {
	_, err := DecodeQR("HELLO")
	assert.ErrorIs(t, err, types.ErrMalformedPayload)
	_, err = DecodeQR(QRPrefix + "!!!")
	assert.ErrorIs(t, err, types.ErrMalformedPayload)
}
