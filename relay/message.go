package relay

import (
	"encoding/json"
	"fmt"

	"github.com/vultisig/bonserver/internal/types"
)

const (
	labelEvent  = "EVENT"
	labelOK     = "OK"
	labelNotice = "NOTICE"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
)

// Inbound is one message received from the relay: *EventMessage, *OKMessage,
// *NoticeMessage or *OtherMessage.
type Inbound interface {
	Label() string
}

// EventMessage carries an event delivered for a subscription.
type EventMessage struct {
	SubscriptionID string
	Event          Event
}

// OKMessage acknowledges a publish.
type OKMessage struct {
	EventID string
	Success bool
	Message string
}

type NoticeMessage struct {
	Text string
}

// OtherMessage is any application message with an unrecognized label, kept
// verbatim. SubscriptionID is the second element when it is a string.
type OtherMessage struct {
	Name           string
	SubscriptionID string
	Raw            json.RawMessage
}

func (*EventMessage) Label() string  { return labelEvent }
func (*OKMessage) Label() string     { return labelOK }
func (*NoticeMessage) Label() string { return labelNotice }
func (m *OtherMessage) Label() string {
	return m.Name
}

// ParseInbound decodes one relay frame.
func ParseInbound(data []byte) (Inbound, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return nil, fmt.Errorf("relay frame is not a json array: %w", types.ErrMalformedPayload)
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, fmt.Errorf("relay frame label is not a string: %w", types.ErrMalformedPayload)
	}

	switch label {
	case labelOK:
		var msg OKMessage
		if len(parts) < 3 ||
			json.Unmarshal(parts[1], &msg.EventID) != nil ||
			json.Unmarshal(parts[2], &msg.Success) != nil {
			return nil, fmt.Errorf("malformed OK frame: %w", types.ErrUnexpectedControl)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &msg.Message)
		}
		return &msg, nil
	case labelNotice:
		var msg NoticeMessage
		if len(parts) < 2 || json.Unmarshal(parts[1], &msg.Text) != nil {
			return nil, fmt.Errorf("malformed NOTICE frame: %w", types.ErrUnexpectedControl)
		}
		return &msg, nil
	case labelEvent:
		var msg EventMessage
		if len(parts) < 3 ||
			json.Unmarshal(parts[1], &msg.SubscriptionID) != nil ||
			json.Unmarshal(parts[2], &msg.Event) != nil {
			return nil, fmt.Errorf("malformed EVENT frame: %w", types.ErrMalformedPayload)
		}
		return &msg, nil
	default:
		msg := &OtherMessage{Name: label, Raw: append(json.RawMessage(nil), data...)}
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg.SubscriptionID)
		}
		return msg, nil
	}
}

func subscriptionOf(msg Inbound) string {
	switch m := msg.(type) {
	case *EventMessage:
		return m.SubscriptionID
	case *OtherMessage:
		return m.SubscriptionID
	default:
		return ""
	}
}

func encodeEvent(ev *Event) ([]byte, error) {
	return canonicalJSON([]any{labelEvent, ev})
}

func encodeReq(subID string, filters []Filter) ([]byte, error) {
	frame := []any{labelReq, subID}
	for _, f := range filters {
		frame = append(frame, f)
	}
	return json.Marshal(frame)
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{labelClose, subID})
}
