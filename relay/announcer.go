package relay

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/vultisig/bonserver/internal/types"
)

const (
	tagVoucher     = "d"
	tagMarket      = "market"
	tagValue       = "value"
	tagCategory    = "category"
	tagIssuer      = "issuer"
	tagIssued      = "issued"
	tagExpires     = "exp"
	tagDividend    = "du"
	tagShare2Nonce = "share2_nonce"
	tagShare3Nonce = "share3_nonce"
	tagRecipient   = "p"
)

// Publisher sends a signed event and waits for the relay to accept it.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

type announcementContent struct {
	Share2 string `json:"share2"`
	Share3 string `json:"share3"`
}

// Announcer turns ledger audit records into signed relay events.
type Announcer struct {
	publisher Publisher
	key       *btcec.PrivateKey
	clock     func() time.Time
}

func NewAnnouncer(publisher Publisher, key *btcec.PrivateKey) *Announcer {
	return &Announcer{publisher: publisher, key: key, clock: time.Now}
}

func (a *Announcer) publish(ctx context.Context, kind int, tags Tags, content string) error {
	ev := &Event{
		CreatedAt: a.clock().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(a.key); err != nil {
		return err
	}
	return a.publisher.Publish(ctx, ev)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// AnnounceVoucher publishes the voucher's public metadata and both share
// ciphertexts. Plaintext shares never leave the ledger.
func (a *Announcer) AnnounceVoucher(ctx context.Context, v *types.Voucher) error {
	content, err := json.Marshal(announcementContent{
		Share2: base64.StdEncoding.EncodeToString(v.Share2Cipher),
		Share3: base64.StdEncoding.EncodeToString(v.Share3Cipher),
	})
	if err != nil {
		return fmt.Errorf("fail to encode announcement: %w", err)
	}
	tags := Tags{
		{tagVoucher, v.ID},
		{tagMarket, v.MarketID},
		{tagValue, formatValue(v.Value)},
		{tagCategory, string(v.Category)},
		{tagIssuer, v.IssuerID},
		{tagIssued, strconv.FormatInt(v.IssuedAt.Unix(), 10)},
		{tagExpires, strconv.FormatInt(v.ExpiresAt.Unix(), 10)},
		{tagDividend, formatValue(v.DividendAtCreation)},
		{tagShare2Nonce, base64.StdEncoding.EncodeToString(v.Share2Nonce)},
		{tagShare3Nonce, base64.StdEncoding.EncodeToString(v.Share3Nonce)},
	}
	return a.publish(ctx, KindVoucherAnnouncement, tags, string(content))
}

func (a *Announcer) AnnounceTransfer(ctx context.Context, v *types.Voucher, recipient []byte) error {
	tags := Tags{
		{tagVoucher, v.ID},
		{tagMarket, v.MarketID},
		{tagRecipient, hex.EncodeToString(recipient)},
	}
	return a.publish(ctx, KindTransferAudit, tags, "")
}

func (a *Announcer) AnnounceRedemption(ctx context.Context, v *types.Voucher) error {
	tags := Tags{
		{tagVoucher, v.ID},
		{tagMarket, v.MarketID},
		{tagValue, formatValue(v.Value)},
	}
	return a.publish(ctx, KindRedemption, tags, "")
}

// AnnouncementFilter selects voucher announcements of one market.
func AnnouncementFilter(marketID string) Filter {
	return Filter{
		Kinds: []int{KindVoucherAnnouncement},
		Tags:  map[string][]string{tagMarket: {marketID}},
	}
}

// ParseAnnouncement verifies a kind 30303 event and rebuilds the public part
// of the voucher it describes.
func ParseAnnouncement(ev *Event) (*types.Voucher, error) {
	if ev.Kind != KindVoucherAnnouncement {
		return nil, fmt.Errorf("event kind %d is not an announcement: %w", ev.Kind, types.ErrMalformedPayload)
	}
	if err := ev.Verify(); err != nil {
		return nil, err
	}
	id := ev.Tags.Find(tagVoucher)
	if raw, err := hex.DecodeString(id); err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("announcement voucher id %q: %w", id, types.ErrMalformedPayload)
	}
	var content announcementContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		return nil, fmt.Errorf("announcement content: %w", types.ErrMalformedPayload)
	}

	var perr error
	b64 := func(s string) []byte {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil && perr == nil {
			perr = fmt.Errorf("announcement field is not base64: %w", types.ErrMalformedPayload)
		}
		return b
	}
	num := func(s string) float64 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil && perr == nil {
			perr = fmt.Errorf("announcement number %q: %w", s, types.ErrMalformedPayload)
		}
		return f
	}
	unix := func(s string) time.Time {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil && perr == nil {
			perr = fmt.Errorf("announcement timestamp %q: %w", s, types.ErrMalformedPayload)
		}
		return time.Unix(n, 0)
	}

	v := &types.Voucher{
		ID:                 id,
		Value:              num(ev.Tags.Find(tagValue)),
		Status:             types.StatusActive,
		Share2Cipher:       b64(content.Share2),
		Share3Cipher:       b64(content.Share3),
		Share2Nonce:        b64(ev.Tags.Find(tagShare2Nonce)),
		Share3Nonce:        b64(ev.Tags.Find(tagShare3Nonce)),
		IssuedAt:           unix(ev.Tags.Find(tagIssued)),
		ExpiresAt:          unix(ev.Tags.Find(tagExpires)),
		IssuerID:           ev.Tags.Find(tagIssuer),
		MarketID:           ev.Tags.Find(tagMarket),
		Category:           types.Category(ev.Tags.Find(tagCategory)),
		DividendAtCreation: num(ev.Tags.Find(tagDividend)),
	}
	if perr != nil {
		return nil, perr
	}
	return v, nil
}
