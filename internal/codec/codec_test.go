package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vultisig/bonserver/internal/types"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func sampleOffer(t *testing.T) types.OfferMessage {
	return types.OfferMessage{
		VoucherID:       hex.EncodeToString(randBytes(t, VoucherIDSize)),
		EncryptedShare2: randBytes(t, EncryptedShareSize),
		Nonce:           randBytes(t, NonceSize),
		Challenge:       randBytes(t, ChallengeSize),
		Timestamp:       time.Now().Unix(),
		TTLSeconds:      30,
	}
}

func sampleAck(t *testing.T) types.AckMessage {
	return types.AckMessage{
		VoucherID: hex.EncodeToString(randBytes(t, VoucherIDSize)),
		Signature: randBytes(t, SignatureSize),
		Status:    types.AckAccepted,
		Recipient: append([]byte{0x02}, randBytes(t, RecipientKeySize-1)...),
	}
}

func TestOfferRoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		m := sampleOffer(t)
		b, err := EncodeOffer(m)
		require.NoError(t, err)
		got, err := DecodeOffer(b)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestAckRoundTrip(t *testing.T) {
	for _, status := range []types.AckStatus{types.AckAccepted, types.AckRejected} {
		m := sampleAck(t)
		m.Status = status
		b, err := EncodeAck(m)
		require.NoError(t, err)
		got, err := DecodeAck(b)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func offerGen() *rapid.Generator[types.OfferMessage] {
	return rapid.Custom(func(t *rapid.T) types.OfferMessage {
		return types.OfferMessage{
			VoucherID:       hex.EncodeToString(rapid.SliceOfN(rapid.Byte(), VoucherIDSize, VoucherIDSize).Draw(t, "voucher-id")),
			EncryptedShare2: rapid.SliceOfN(rapid.Byte(), EncryptedShareSize, EncryptedShareSize).Draw(t, "share2"),
			Nonce:           rapid.SliceOfN(rapid.Byte(), NonceSize, NonceSize).Draw(t, "nonce"),
			Challenge:       rapid.SliceOfN(rapid.Byte(), ChallengeSize, ChallengeSize).Draw(t, "challenge"),
			Timestamp:       rapid.Int64Range(1, 1<<40).Draw(t, "timestamp"),
			TTLSeconds:      rapid.Uint32Range(1, 1<<31).Draw(t, "ttl"),
		}
	})
}

func ackGen() *rapid.Generator[types.AckMessage] {
	return rapid.Custom(func(t *rapid.T) types.AckMessage {
		return types.AckMessage{
			VoucherID: hex.EncodeToString(rapid.SliceOfN(rapid.Byte(), VoucherIDSize, VoucherIDSize).Draw(t, "voucher-id")),
			Signature: rapid.SliceOfN(rapid.Byte(), SignatureSize, SignatureSize).Draw(t, "signature"),
			Status:    rapid.SampledFrom([]types.AckStatus{types.AckAccepted, types.AckRejected}).Draw(t, "status"),
			Recipient: rapid.SliceOfN(rapid.Byte(), RecipientKeySize, RecipientKeySize).Draw(t, "recipient"),
		}
	})
}

// TestRoundTripRapid checks decode(encode(m)) == m over generated messages
// and that encoding the decoded message reproduces the record byte for byte.
func TestRoundTripRapid(t *testing.T) {
	t.Run("offer", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			m := offerGen().Draw(t, "offer")
			b, err := EncodeOffer(m)
			require.NoError(t, err)
			got, err := DecodeOffer(b)
			require.NoError(t, err)
			require.Equal(t, m, got)
			again, err := EncodeOffer(got)
			require.NoError(t, err)
			require.Equal(t, b, again)
		})
	})
	t.Run("ack", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			m := ackGen().Draw(t, "ack")
			b, err := EncodeAck(m)
			require.NoError(t, err)
			got, err := DecodeAck(b)
			require.NoError(t, err)
			require.Equal(t, m, got)
			again, err := EncodeAck(got)
			require.NoError(t, err)
			require.Equal(t, b, again)
		})
	})
}

// TestDecodeArbitraryBytesRapid feeds arbitrary records to the decoders: they
// either fail as a protocol error or yield a message that encodes cleanly.
func TestDecodeArbitraryBytesRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		header := []byte{Magic, Version, rapid.SampledFrom([]byte{TypeOffer, TypeAck}).Draw(t, "type")}
		body := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "body")
		record := append(header, body...)

		if offer, err := DecodeOffer(record); err != nil {
			require.Equal(t, types.KindProtocol, types.KindOf(err))
		} else {
			_, err := EncodeOffer(offer)
			require.NoError(t, err)
		}
		if ack, err := DecodeAck(record); err != nil {
			require.Equal(t, types.KindProtocol, types.KindOf(err))
		} else {
			_, err := EncodeAck(ack)
			require.NoError(t, err)
		}
	})
}

func TestEncodeAckRejectsInvalidMessages(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(m *types.AckMessage)
	}{
		{name: "short signature", mutate: func(m *types.AckMessage) { m.Signature = m.Signature[:64] }},
		{name: "unknown status", mutate: func(m *types.AckMessage) { m.Status = 7 }},
		{name: "missing recipient", mutate: func(m *types.AckMessage) { m.Recipient = nil }},
		{name: "uncompressed recipient", mutate: func(m *types.AckMessage) { m.Recipient = append(m.Recipient, randBytes(t, 32)...) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := sampleAck(t)
			tc.mutate(&m)
			_, err := EncodeAck(m)
			assert.ErrorIs(t, err, types.ErrMalformedPayload)
		})
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	m := sampleOffer(t)
	a, err := EncodeOffer(m)
	require.NoError(t, err)
	b, err := EncodeOffer(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOfferFitsQRBudget(t *testing.T) {
	b, err := EncodeOffer(sampleOffer(t))
	require.NoError(t, err)
	// a version 10 QR code at level M holds 213 bytes
	assert.Less(t, len(b), 213)
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(m *types.OfferMessage)
	}{
		{name: "uppercase id", mutate: func(m *types.OfferMessage) { m.VoucherID = "AB" + m.VoucherID[2:] }},
		{name: "short id", mutate: func(m *types.OfferMessage) { m.VoucherID = m.VoucherID[:10] }},
		{name: "short share", mutate: func(m *types.OfferMessage) { m.EncryptedShare2 = m.EncryptedShare2[:5] }},
		{name: "missing nonce", mutate: func(m *types.OfferMessage) { m.Nonce = nil }},
		{name: "long challenge", mutate: func(m *types.OfferMessage) { m.Challenge = append(m.Challenge, 1) }},
		{name: "zero ttl", mutate: func(m *types.OfferMessage) { m.TTLSeconds = 0 }},
		{name: "zero timestamp", mutate: func(m *types.OfferMessage) { m.Timestamp = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := sampleOffer(t)
			tc.mutate(&m)
			_, err := EncodeOffer(m)
			assert.ErrorIs(t, err, types.ErrMalformedPayload)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	offer, err := EncodeOffer(sampleOffer(t))
	require.NoError(t, err)
	ack, err := EncodeAck(sampleAck(t))
	require.NoError(t, err)

	badMagic := append([]byte(nil), offer...)
	badMagic[0] = 0x00
	badVersion := append([]byte(nil), offer...)
	badVersion[1] = 0x09

	testCases := []struct {
		name   string
		input  []byte
		decode func([]byte) error
	}{
		{name: "empty", input: nil, decode: decodeOfferErr},
		{name: "bad magic", input: badMagic, decode: decodeOfferErr},
		{name: "bad version", input: badVersion, decode: decodeOfferErr},
		{name: "ack as offer", input: ack, decode: decodeOfferErr},
		{name: "offer as ack", input: offer, decode: decodeAckErr},
		{name: "truncated offer", input: offer[:len(offer)-4], decode: decodeOfferErr},
		{name: "trailing bytes", input: append(append([]byte(nil), offer...), 0x00), decode: decodeOfferErr},
		{name: "garbage body", input: append([]byte{Magic, Version, TypeOffer}, bytes.Repeat([]byte{0xff}, 40)...), decode: decodeOfferErr},
		{name: "header only", input: []byte{Magic, Version, TypeAck}, decode: decodeAckErr},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decode(tc.input)
			assert.ErrorIs(t, err, types.ErrMalformedPayload)
			assert.Equal(t, types.KindProtocol, types.KindOf(err))
		})
	}
}

func decodeOfferErr(b []byte) error {
	_, err := DecodeOffer(b)
	return err
}

func decodeAckErr(b []byte) error {
	_, err := DecodeAck(b)
	return err
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	testCases := []struct {
		name      string
		timestamp int64
		ttl       uint32
		expired   bool
	}{
		{name: "fresh", timestamp: now.Unix() - 10, ttl: 30, expired: false},
		{name: "at deadline", timestamp: now.Unix() - 30, ttl: 30, expired: false},
		{name: "past deadline", timestamp: now.Unix() - 31, ttl: 30, expired: true},
		{name: "future stamp", timestamp: now.Unix() + 5, ttl: 30, expired: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expired, IsExpiredAt(tc.timestamp, tc.ttl, now))
		})
	}
	assert.True(t, IsExpired(time.Now().Add(-time.Minute).Unix(), 30))
}
