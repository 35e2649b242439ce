package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/vultisig/bonserver/internal/types"
)

const (
	// QRPrefix marks the text frame handed to the QR image encoder.
	QRPrefix = "BON1:"

	// NDEFType is the NFC Forum external type carrying transfer records.
	NDEFType = "bon.app:transfer"

	ndefFlagMB  = 0x80
	ndefFlagME  = 0x40
	ndefFlagSR  = 0x10
	ndefFlagIL  = 0x08
	ndefTNFMask = 0x07
	ndefTNFExt  = 0x04
)

// EncodeQR wraps a record in the text frame rendered into a QR code.
func EncodeQR(record []byte) string {
	return QRPrefix + base64.RawURLEncoding.EncodeToString(record)
}

// DecodeQR unwraps a scanned QR text frame.
func DecodeQR(frame string) ([]byte, error) {
	if !strings.HasPrefix(frame, QRPrefix) {
		return nil, fmt.Errorf("missing %q prefix: %w", QRPrefix, types.ErrMalformedPayload)
	}
	record, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(frame, QRPrefix))
	if err != nil {
		return nil, fmt.Errorf("fail to decode qr frame: %w", types.ErrMalformedPayload)
	}
	return record, nil
}

// EncodeNDEF wraps a record in a single NFC Forum external-type NDEF record.
func EncodeNDEF(record []byte) []byte {
	var buf bytes.Buffer
	header := byte(ndefFlagMB | ndefFlagME | ndefTNFExt)
	short := len(record) < 256
	if short {
		header |= ndefFlagSR
	}
	buf.WriteByte(header)
	buf.WriteByte(byte(len(NDEFType)))
	if short {
		buf.WriteByte(byte(len(record)))
	} else {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(record)))
		buf.Write(l[:])
	}
	buf.WriteString(NDEFType)
	buf.Write(record)
	return buf.Bytes()
}

// DecodeNDEF extracts the transfer record from an NDEF record produced by
// EncodeNDEF or by a device writing the same external type.
func DecodeNDEF(b []byte) ([]byte, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("ndef record too short: %w", types.ErrMalformedPayload)
	}
	header := b[0]
	if header&ndefTNFMask != ndefTNFExt {
		return nil, fmt.Errorf("ndef tnf %d is not external: %w", header&ndefTNFMask, types.ErrMalformedPayload)
	}
	if header&ndefFlagMB == 0 || header&ndefFlagME == 0 {
		return nil, fmt.Errorf("chunked ndef messages are not supported: %w", types.ErrMalformedPayload)
	}
	typeLen := int(b[1])
	pos := 2
	var payloadLen int
	if header&ndefFlagSR != 0 {
		payloadLen = int(b[pos])
		pos++
	} else {
		if len(b) < pos+4 {
			return nil, fmt.Errorf("ndef length truncated: %w", types.ErrMalformedPayload)
		}
		payloadLen = int(binary.BigEndian.Uint32(b[pos : pos+4]))
		pos += 4
	}
	idLen := 0
	if header&ndefFlagIL != 0 {
		if len(b) < pos+1 {
			return nil, fmt.Errorf("ndef id length truncated: %w", types.ErrMalformedPayload)
		}
		idLen = int(b[pos])
		pos++
	}
	if len(b) != pos+typeLen+idLen+payloadLen {
		return nil, fmt.Errorf("ndef length mismatch: %w", types.ErrMalformedPayload)
	}
	if string(b[pos:pos+typeLen]) != NDEFType {
		return nil, fmt.Errorf("unexpected ndef type %q: %w", b[pos:pos+typeLen], types.ErrMalformedPayload)
	}
	pos += typeLen + idLen
	out := make([]byte, payloadLen)
	copy(out, b[pos:])
	return out, nil
}
