package netx

import (
	"errors"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSendQueueFull   = errors.New("send queue full")
	ErrUnreachable     = errors.New("address unreachable")
)

// Transport defines the interface that any transport
// mechanism must implement to be used by the DHT.
type Transport interface {
	// Listen binds addr and delivers every inbound frame to handler. It returns
	// the address actually bound, which differs from addr when a zero port was requested.
	Listen(addr ma.Multiaddr, handler MessageHandler) (ma.Multiaddr, error)
	// Send queues data for delivery to the provided address and returns immediately.
	Send(to ma.Multiaddr, data []byte) error
	Close() error
	CloseConnection(addr ma.Multiaddr) error
}

// MessageHandler is the type definition for the callback
// function that is invoked when a message is received
// via a Transport implementation. It must not block.
type MessageHandler func(from ma.Multiaddr, data []byte)

// Notifiee - Receives connection level notifications from a transport.
// Implementations must not block.
type Notifiee interface {
	// Disconnected - A pooled connection to addr was closed, by either side.
	Disconnected(addr ma.Multiaddr)
	// SendFailed - A queued frame for addr could not be delivered.
	SendFailed(addr ma.Multiaddr, err error)
}

// Notifier - Implemented by transports able to report connection events.
type Notifier interface {
	Notify(n Notifiee)
}

// Options - Tunables shared by the socket based transports.
type Options struct {
	Workers           int           //number of outbound queue workers.
	QueueSize         int           //capacity of the outbound queue.
	DialTimeout       time.Duration //upper bound on establishing a new connection.
	IdleTimeout       time.Duration //pooled connections unused for this long are closed.
	IdleCheckInterval time.Duration //how often the pool is scanned for idle connections.
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Minute
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Outbound - ecapsulates outbound message data.
type Outbound struct {
	to   ma.Multiaddr
	data []byte
}
