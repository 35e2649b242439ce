package transfer

import (
	"context"
	"fmt"

	"github.com/vultisig/bonserver/internal/codec"
)

// Link moves opaque frames between two devices: a QR display and camera
// pair, or an NFC tap.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Channel carries transfer records over a Link in a specific framing.
type Channel interface {
	SendRecord(ctx context.Context, record []byte) error
	ReceiveRecord(ctx context.Context) ([]byte, error)
	Name() string
}

// QRChannel frames records as "BON1:" text for a QR encoder.
type QRChannel struct {
	link Link
}

func NewQRChannel(link Link) *QRChannel {
	return &QRChannel{link: link}
}

func (c *QRChannel) Name() string { return "qr" }

func (c *QRChannel) SendRecord(ctx context.Context, record []byte) error {
	return c.link.Send(ctx, []byte(codec.EncodeQR(record)))
}

func (c *QRChannel) ReceiveRecord(ctx context.Context) ([]byte, error) {
	frame, err := c.link.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail to scan qr frame: %w", err)
	}
	return codec.DecodeQR(string(frame))
}

// NFCChannel frames records as NDEF external-type records.
type NFCChannel struct {
	link Link
}

func NewNFCChannel(link Link) *NFCChannel {
	return &NFCChannel{link: link}
}

func (c *NFCChannel) Name() string { return "nfc" }

func (c *NFCChannel) SendRecord(ctx context.Context, record []byte) error {
	return c.link.Send(ctx, codec.EncodeNDEF(record))
}

func (c *NFCChannel) ReceiveRecord(ctx context.Context) ([]byte, error) {
	frame, err := c.link.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail to read nfc record: %w", err)
	}
	return codec.DecodeNDEF(frame)
}
