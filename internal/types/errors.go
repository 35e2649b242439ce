package types

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindCrypto       ErrorKind = "crypto"
	KindProtocol     ErrorKind = "protocol"
	KindExpiry       ErrorKind = "expiry"
	KindConnectivity ErrorKind = "connectivity"
	KindCapacity     ErrorKind = "capacity"
	KindPersistence  ErrorKind = "persistence"
	KindState        ErrorKind = "state"
)

// BonError is the classified error every package returns (wrapped) so callers
// can decide between retrying, reporting and aborting.
type BonError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *BonError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	// crypto
	CodeAuthenticationFailure = "AUTHENTICATION_FAILURE"
	CodeInsufficientShares    = "INSUFFICIENT_SHARES"
	CodeShareMismatch         = "SHARE_MISMATCH"
	CodeBadSignature          = "BAD_SIGNATURE"

	// protocol
	CodeMalformedPayload  = "MALFORMED_PAYLOAD"
	CodeReplayed          = "REPLAYED"
	CodeUnexpectedControl = "UNEXPECTED_CONTROL"

	// expiry
	CodeExpired = "EXPIRED"

	// connectivity
	CodeTimeout              = "TIMEOUT"
	CodeDisconnected         = "DISCONNECTED"
	CodeMaxReconnectAttempts = "MAX_RECONNECT_ATTEMPTS"
	CodePublishRejected      = "PUBLISH_REJECTED"

	// capacity
	CodeSessionBusy = "SESSION_BUSY"

	// persistence
	CodePersistence = "PERSISTENCE_ERROR"
	CodeNotFound    = "NOT_FOUND"

	// state
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeBootstrapExists   = "BOOTSTRAP_EXISTS"
	CodeBootstrapDenied   = "BOOTSTRAP_DENIED"
	CodeOfferDeclined     = "OFFER_DECLINED"
)

var (
	ErrAuthenticationFailure = &BonError{Kind: KindCrypto, Code: CodeAuthenticationFailure, Message: "ciphertext failed authentication"}
	ErrInsufficientShares    = &BonError{Kind: KindCrypto, Code: CodeInsufficientShares, Message: "at least two distinct shares are required"}
	ErrShareMismatch         = &BonError{Kind: KindCrypto, Code: CodeShareMismatch, Message: "shares do not belong to the same split"}
	ErrBadSignature          = &BonError{Kind: KindCrypto, Code: CodeBadSignature, Message: "signature does not verify"}

	ErrMalformedPayload  = &BonError{Kind: KindProtocol, Code: CodeMalformedPayload, Message: "payload is malformed"}
	ErrReplayed          = &BonError{Kind: KindProtocol, Code: CodeReplayed, Message: "acknowledgment was already consumed"}
	ErrUnexpectedControl = &BonError{Kind: KindProtocol, Code: CodeUnexpectedControl, Message: "unexpected relay control message"}

	ErrExpired = &BonError{Kind: KindExpiry, Code: CodeExpired, Message: "validity window has passed"}

	ErrTimeout              = &BonError{Kind: KindConnectivity, Code: CodeTimeout, Message: "operation timed out"}
	ErrDisconnected         = &BonError{Kind: KindConnectivity, Code: CodeDisconnected, Message: "relay is not connected"}
	ErrMaxReconnectAttempts = &BonError{Kind: KindConnectivity, Code: CodeMaxReconnectAttempts, Message: "maximum reconnect attempts reached"}
	ErrPublishRejected      = &BonError{Kind: KindConnectivity, Code: CodePublishRejected, Message: "relay rejected the event"}

	ErrSessionBusy = &BonError{Kind: KindCapacity, Code: CodeSessionBusy, Message: "a transfer session is already active"}

	ErrPersistence = &BonError{Kind: KindPersistence, Code: CodePersistence, Message: "repository write failed"}
	ErrNotFound    = &BonError{Kind: KindPersistence, Code: CodeNotFound, Message: "record not found"}

	ErrInvalidTransition = &BonError{Kind: KindState, Code: CodeInvalidTransition, Message: "transition not allowed from current status"}
	ErrBootstrapExists   = &BonError{Kind: KindState, Code: CodeBootstrapExists, Message: "an active bootstrap voucher already exists"}
	ErrBootstrapDenied   = &BonError{Kind: KindState, Code: CodeBootstrapDenied, Message: "participant is not eligible for a bootstrap voucher"}
	ErrOfferDeclined     = &BonError{Kind: KindState, Code: CodeOfferDeclined, Message: "recipient declined the offer"}
)

// KindOf returns the kind of the first BonError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var be *BonError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// CodeOf returns the code of the first BonError in err's chain, or "".
func CodeOf(err error) string {
	var be *BonError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
