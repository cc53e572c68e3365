package realtime

import "errors"

var (
	ErrSubscriptionLimit   = errors.New("subscription limit reached")
	ErrConnectionLimit     = errors.New("connection limit reached")
	ErrInvalidPattern      = errors.New("invalid hook pattern")
	ErrSubscriptionMissing = errors.New("subscription not found")
	ErrClientClosed        = errors.New("client closed")
)
