package stream

import "errors"

var (
	// ErrMaxReconnectAttemptsExceeded is carried by the terminal error
	// event once the reconnect budget is spent.
	ErrMaxReconnectAttemptsExceeded = errors.New("max reconnect attempts exceeded")

	// ErrStreamClosed is returned by operations on a disconnected stream.
	ErrStreamClosed = errors.New("stream closed")
)

// Error event codes.
const (
	CodeConnectFailed                = "connect_failed"
	CodeUpstreamError                = "upstream_error"
	CodeReconnectFailed              = "reconnect_failed"
	CodeSubscriptionRejected         = "subscription_rejected"
	CodeMaxReconnectAttemptsExceeded = "max_reconnect_attempts_exceeded"
)
