package discovery

import (
	"context"
	"sync/atomic"

	"github.com/SharefulNetworks/shareful-dkv/logging"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"go.uber.org/zap"
)

// Bridge - Drains a Source into the router's bounded discovery queue. A full
// queue blocks the bridge, never the router.
type Bridge struct {
	source    Source
	sink      chan<- types.PeerAddr
	log       *zap.Logger
	forwarded atomic.Uint64
}

func NewBridge(source Source, sink chan<- types.PeerAddr, logger *zap.Logger) *Bridge {
	return &Bridge{
		source: source,
		sink:   sink,
		log:    logging.OrNop(logger).Named("discovery"),
	}
}

// Run - Forwards discoveries until the source closes (returning nil) or ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	in := b.source.Discoveries()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pa, ok := <-in:
			if !ok {
				b.log.Debug("discovery source closed", zap.Uint64("forwarded", b.forwarded.Load()))
				return nil
			}
			select {
			case b.sink <- pa:
				b.forwarded.Add(1)
				b.log.Debug("forwarded discovery", zap.String("peer", pa.ID.Short()), zap.Stringer("addr", pa.Addr))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Forwarded - The number of discoveries handed to the router so far.
func (b *Bridge) Forwarded() uint64 {
	return b.forwarded.Load()
}
