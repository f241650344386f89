package venturelink

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthMissing means no usable bearer credential was available to connect.
	ErrAuthMissing = errors.New("venturelink: auth credential missing")
	// ErrReconnectExhausted is reported once automatic reconnection gives up.
	ErrReconnectExhausted = errors.New("venturelink: reconnect attempts exhausted")
	// ErrSendRejected marks a permanent outbound failure. Transports wrap it
	// when a frame must not be retried.
	ErrSendRejected = errors.New("venturelink: send rejected")
	// ErrUnknownEventType is logged when an inbound envelope has an unrecognized type.
	ErrUnknownEventType = errors.New("venturelink: unknown event type")
	// ErrInvalidTransition is returned for a backward or out-of-terminal status move.
	ErrInvalidTransition = errors.New("venturelink: invalid message status transition")

	ErrNotConnected         = errors.New("venturelink: not connected")
	ErrClosed               = errors.New("venturelink: closed")
	ErrConversationNotFound = errors.New("venturelink: conversation not found")
	ErrMessageNotFound      = errors.New("venturelink: message not found")
	ErrEmptyMessage         = errors.New("venturelink: message has no content")
)

// TransportError describes a dial, read or write failure on the realtime
// connection. Code is the close code when one was received, otherwise -1.
type TransportError struct {
	Op     string
	Code   int
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Code >= 0 && e.Reason != "" {
		return fmt.Sprintf("transport %s: closed with %d (%s): %v", e.Op, e.Code, e.Reason, e.Err)
	}
	if e.Code >= 0 {
		return fmt.Sprintf("transport %s: closed with %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HistoryFetchError wraps a failed backward page fetch. The conversation is
// left as it was and the fetch may be retried.
type HistoryFetchError struct {
	ConversationID string
	Err            error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("fetch history for %s: %v", e.ConversationID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// SendRejectedError reports which queued message was rejected and why.
type SendRejectedError struct {
	ClientID string
	Err      error
}

func (e *SendRejectedError) Error() string {
	return fmt.Sprintf("send %s rejected: %v", e.ClientID, e.Err)
}

func (e *SendRejectedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSendRejected) match even when the underlying
// cause came from a cancellation rather than the transport.
func (e *SendRejectedError) Is(target error) bool { return target == ErrSendRejected }
