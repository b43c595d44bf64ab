package dht

import "errors"

// Reasons carried by QueryFailed events.
var (
	ErrNoKnownPeers     = errors.New("no known peers")
	ErrPeersUnreachable = errors.New("all queried peers unreachable")
	ErrNotFound         = errors.New("not found")
	ErrQuorumFailed     = errors.New("quorum not reached")
	ErrTimeout          = errors.New("query timed out")
	ErrClosed           = errors.New("router closed")
)
