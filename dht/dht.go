package dht

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/commons"
	"github.com/SharefulNetworks/shareful-dkv/config"
	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/netx"
	"github.com/SharefulNetworks/shareful-dkv/routing"
	"github.com/SharefulNetworks/shareful-dkv/store"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"github.com/SharefulNetworks/shareful-dkv/wire"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var _ commons.RouterLike = (*Node)(nil)

// Node - The overlay router. A single goroutine owns the routing table, the
// record store, the query table and the pending requests; every public method
// hands its work to that goroutine and returns without waiting for the network.
type Node struct {
	ident     *types.Identity
	id        types.PeerID
	cfg       *config.Config
	transport netx.Transport
	codec     wire.Codec
	log       *zap.Logger
	rt        *routing.RoutingTable
	store     *store.MemoryStore
	metrics   *metrics
	registry  *prometheus.Registry
	now       func() time.Time

	mb          *mailbox
	discoveries chan types.PeerAddr
	events      chan events.Event

	//owned by the router goroutine
	pending     []events.Event
	listeners   []events.EventListener
	queries     map[events.QueryID]*query
	rpcs        map[uint64]*pendingRPC
	connected   map[types.PeerID]bool
	pinging     map[types.PeerID]bool
	bootstrapID events.QueryID

	addrMu      sync.RWMutex
	listenAddrs []ma.Multiaddr

	reqSeq    atomic.Uint64
	querySeq  atomic.Uint64
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option - Configures optional Node behaviour.
type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}

// WithRegistry - Registers the node's metrics against reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(n *Node) {
		if reg != nil {
			n.registry = reg
		}
	}
}

// WithClock - Overrides the clock used for record expiry.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// NewNode - Creates a router for ident speaking over transport and starts its
// goroutine. A nil cfg selects config.Default().
func NewNode(ident *types.Identity, transport netx.Transport, cfg *config.Config, opts ...Option) *Node {
	if cfg == nil {
		cfg = config.Default()
	}
	n := &Node{
		ident:     ident,
		id:        ident.PublicID(),
		cfg:       cfg,
		transport: transport,
		codec:     wire.CodecFor(cfg.UseProtobuf),
		log:       zap.NewNop(),
		registry:  prometheus.NewRegistry(),
		now:       time.Now,
		mb:        newMailbox(),
		queries:   map[events.QueryID]*query{},
		rpcs:      map[uint64]*pendingRPC{},
		connected: map[types.PeerID]bool{},
		pinging:   map[types.PeerID]bool{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(zap.String("node", n.id.Short()))

	n.discoveries = make(chan types.PeerAddr, cfg.DiscoveryQueueSize)
	n.events = make(chan events.Event, cfg.EventBufferSize)
	n.rt = routing.NewRoutingTable(n.id, cfg.BucketSize,
		routing.WithMaxFailures(cfg.MaxConsecutiveFailures),
		routing.WithClock(n.now))
	n.store = store.NewMemoryStore(n.id, store.Limits{
		MaxRecords:         cfg.Store.MaxRecords,
		MaxValueBytes:      cfg.Store.MaxValueBytes,
		MaxProvidersPerKey: cfg.Store.MaxProvidersPerKey,
		MaxProvidedKeys:    cfg.Store.MaxProvidedKeys,
	}, store.WithClock(n.now))
	n.metrics = newMetrics(n.registry,
		func() float64 { return float64(n.rt.Size()) },
		func() float64 { return float64(n.store.Len()) })

	if notifier, ok := transport.(netx.Notifier); ok {
		notifier.Notify(transportNotifiee{n})
	}

	go n.run()
	return n
}

// -----------------------------------------------------------------------------
// Public API
// -----------------------------------------------------------------------------

func (n *Node) ID() types.PeerID { return n.id }

// Listen - Binds addr on the transport. Each resulting listen address is
// reported through a NewListenAddr event.
func (n *Node) Listen(addr ma.Multiaddr) (ma.Multiaddr, error) {
	bound, err := n.transport.Listen(addr, n.onMessage)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	expanded := netx.ExpandUnspecified(bound)

	n.addrMu.Lock()
	n.listenAddrs = append(n.listenAddrs, expanded...)
	n.addrMu.Unlock()

	n.post(func() {
		for _, a := range expanded {
			n.emit(events.Event{Kind: events.NewListenAddr, Peer: n.id, Addr: a})
		}
	})
	n.log.Info("listening", zap.Stringer("addr", bound))
	return bound, nil
}

// ListenAddrs - The addresses this node advertises to its peers.
func (n *Node) ListenAddrs() []ma.Multiaddr {
	return n.advertised()
}

// GetRecord - Issues a GET for key. The query succeeds once quorum peers (the
// local store included) agree on a value.
func (n *Node) GetRecord(key types.RecordKey, quorum types.Quorum) events.QueryID {
	id := n.nextQueryID()
	key = append(types.RecordKey(nil), key...)
	n.postQuery(id, events.QueryGet, key, func() { n.startGet(id, key, quorum) })
	return id
}

// PutRecord - Stores value under key locally and on the k closest peers.
func (n *Node) PutRecord(key types.RecordKey, value []byte, quorum types.Quorum) events.QueryID {
	id := n.nextQueryID()
	key = append(types.RecordKey(nil), key...)
	value = append([]byte(nil), value...)
	n.postQuery(id, events.QueryPut, key, func() { n.startPut(id, key, value, quorum, false) })
	return id
}

// GetProviders - Collects the providers of key known to the network.
func (n *Node) GetProviders(key types.RecordKey) events.QueryID {
	id := n.nextQueryID()
	key = append(types.RecordKey(nil), key...)
	n.postQuery(id, events.QueryGetProviders, key, func() { n.startGetProviders(id, key) })
	return id
}

// StartProviding - Announces this node as a provider of key to the k closest peers.
func (n *Node) StartProviding(key types.RecordKey, quorum types.Quorum) events.QueryID {
	id := n.nextQueryID()
	key = append(types.RecordKey(nil), key...)
	n.postQuery(id, events.QueryProvide, key, func() { n.startProvide(id, key, quorum, false) })
	return id
}

// Bootstrap - Looks up the local id to populate the routing table.
func (n *Node) Bootstrap() events.QueryID {
	id := n.nextQueryID()
	n.postQuery(id, events.QueryBootstrap, nil, func() { n.startBootstrap(id) })
	return id
}

// AddAddress - Records addr for peer in the routing table. Never blocks.
func (n *Node) AddAddress(peer types.PeerID, addr ma.Multiaddr) {
	n.post(func() { n.addAddress(peer, addr) })
}

// Connect - Pings addr, whose peer id need not be known, and waits for the
// answer. The responding peer is added to the routing table.
func (n *Node) Connect(ctx context.Context, addr ma.Multiaddr) (types.PeerID, error) {
	type result struct {
		peer types.PeerID
		err  error
	}
	ch := make(chan result, 1)
	ok := n.post(func() {
		n.requestAddr(types.PeerID{}, addr, &wire.Message{Op: wire.OP_PING},
			func(resp *wire.Message) { ch <- result{peer: resp.From} },
			func(err error) { ch <- result{err: err} })
	})
	if !ok {
		return types.PeerID{}, ErrClosed
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return types.PeerID{}, fmt.Errorf("connect %s: %w", addr, r.err)
		}
		return r.peer, nil
	case <-ctx.Done():
		return types.PeerID{}, ctx.Err()
	case <-n.done:
		return types.PeerID{}, ErrClosed
	}
}

// Discoveries - The bounded queue discovered peers are fed into.
func (n *Node) Discoveries() chan<- types.PeerAddr {
	return n.discoveries
}

// Events - The stream of router events, closed once the node is closed.
func (n *Node) Events() <-chan events.Event {
	return n.events
}

// NextEvent - Blocks until the next event is ready, ctx ends or the node is closed.
func (n *Node) NextEvent(ctx context.Context) (events.Event, error) {
	select {
	case ev, ok := <-n.events:
		if !ok {
			return events.Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

// AddEventListener - Registers l to observe every event as it is emitted.
// Listeners run on the router goroutine and must not block.
func (n *Node) AddEventListener(l events.EventListener) {
	n.post(func() { n.listeners = append(n.listeners, l) })
}

// KnownPeers - A snapshot of the routing table.
func (n *Node) KnownPeers() []routing.Peer {
	return n.rt.ListKnownPeers()
}

// LocalRecord - Reads key from the local store only.
func (n *Node) LocalRecord(key types.RecordKey) (store.Record, bool) {
	return n.store.Get(key)
}

func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Done - Closed once the router goroutine has exited.
func (n *Node) Done() <-chan struct{} { return n.done }

// Close - Stops the router and closes the transport. Queries still in flight
// are abandoned without an event.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.stop)
		<-n.done
		err = n.transport.Close()
	})
	return err
}

// -----------------------------------------------------------------------------
// Router goroutine
// -----------------------------------------------------------------------------

func (n *Node) run() {
	defer close(n.done)
	defer close(n.events)

	janitor := time.NewTicker(n.cfg.JanitorInterval)
	refresh := time.NewTicker(n.cfg.BucketRefreshInterval)
	republish := time.NewTicker(n.cfg.RepublishInterval)
	defer janitor.Stop()
	defer refresh.Stop()
	defer republish.Stop()

	for {
		//only offer an event while one is pending
		var out chan events.Event
		var next events.Event
		if len(n.pending) > 0 {
			out = n.events
			next = n.pending[0]
		}

		select {
		case <-n.stop:
			n.shutdown()
			return
		case <-n.mb.ready:
			for _, fn := range n.mb.drain() {
				n.safely("mailbox", fn)
			}
		case pa := <-n.discoveries:
			n.safely("discovery", func() { n.addDiscovered(pa) })
		case out <- next:
			n.pending[0] = events.Event{}
			n.pending = n.pending[1:]
		case <-janitor.C:
			n.safely("janitor", n.removeExpired)
		case <-refresh.C:
			n.safely("refresh", n.refreshBuckets)
		case <-republish.C:
			n.safely("republish", n.republish)
		}
	}
}

// safely - Runs fn, recovering from any panic so a single bad message or
// callback cannot take the router down.
func (n *Node) safely(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("recovered from panic in router task", zap.String("task", task), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (n *Node) shutdown() {
	n.mb.close()
	for _, q := range n.queries {
		q.timer.Stop()
	}
	for _, rpc := range n.rpcs {
		rpc.timer.Stop()
	}
	n.queries = nil
	n.rpcs = nil
	n.pending = nil
}

// post - Hands fn to the router goroutine. Returns false once the node is closed.
func (n *Node) post(fn func()) bool {
	return n.mb.post(fn)
}

// postQuery - Posts a query start, reporting ErrClosed if the router has stopped.
func (n *Node) postQuery(id events.QueryID, kind events.QueryKind, key types.RecordKey, start func()) {
	if !n.post(start) {
		n.log.Debug("query issued after close", zap.Uint64("query", uint64(id)), zap.Stringer("kind", kind), zap.Stringer("key", key))
	}
}

func (n *Node) nextQueryID() events.QueryID {
	return events.QueryID(n.querySeq.Add(1))
}

// emit - Delivers ev to the listeners and queues it for the event stream. The
// oldest queued event is discarded once nobody has consumed events for too long.
func (n *Node) emit(ev events.Event) {
	for _, l := range n.listeners {
		l.OnEvent(ev)
	}
	if limit := 16 * n.cfg.EventBufferSize; len(n.pending) >= limit {
		n.pending[0] = events.Event{}
		n.pending = n.pending[1:]
		n.metrics.eventsDropped.Inc()
	}
	n.pending = append(n.pending, ev)
}

// -----------------------------------------------------------------------------
// Discovery and periodic maintenance
// -----------------------------------------------------------------------------

// addDiscovered - Inserts a discovered peer and dials it so a connection is
// established without waiting for the first query.
func (n *Node) addDiscovered(pa types.PeerAddr) {
	if pa.ID == n.id || pa.ID.IsZero() || pa.Addr == nil {
		return
	}
	if !n.rt.Contains(pa.ID) {
		n.emit(events.Event{Kind: events.PeerDiscovered, Peer: pa.ID, Addr: pa.Addr})
	}
	n.addAddress(pa.ID, pa.Addr)
	if !n.connected[pa.ID] {
		n.requestAddr(pa.ID, pa.Addr, &wire.Message{Op: wire.OP_PING}, nil, nil)
	}
}

func (n *Node) removeExpired() {
	records, providers := n.store.RemoveExpired(n.now())
	if records > 0 || providers > 0 {
		n.log.Debug("purged expired entries", zap.Int("records", records), zap.Int("providers", providers))
	}
}

// refreshBuckets - Runs a lookup for a random id inside each stale bucket, a batch at a time.
func (n *Node) refreshBuckets() {
	stale := n.rt.StaleBuckets(n.cfg.BucketRefreshInterval)
	if len(stale) > n.cfg.BucketRefreshBatchSize {
		stale = stale[:n.cfg.BucketRefreshBatchSize]
	}
	for _, i := range stale {
		n.rt.MarkRefreshed(i)
		n.startRefresh(n.rt.RandomIDInBucket(i))
	}
	if len(stale) > 0 {
		n.log.Debug("refreshing stale buckets", zap.Ints("buckets", stale))
	}
}

// republish - Pushes records published by this node, and the keys it provides,
// back out to the network so they outlive the remote TTL.
func (n *Node) republish() {
	count := 0
	for _, rec := range n.store.Records() {
		if rec.Publisher == nil || *rec.Publisher != n.id {
			continue
		}
		n.startPut(n.nextQueryID(), rec.Key, rec.Value, types.QuorumOne(), true)
		count++
	}
	for _, p := range n.store.Provided() {
		n.startProvide(n.nextQueryID(), p.Key, types.QuorumOne(), true)
		count++
	}
	if count > 0 {
		n.log.Debug("republishing", zap.Int("queries", count))
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (n *Node) advertised() []ma.Multiaddr {
	n.addrMu.RLock()
	defer n.addrMu.RUnlock()
	return append([]ma.Multiaddr(nil), n.listenAddrs...)
}

// expiry - The absolute expiry for ttl, zero meaning never.
func (n *Node) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return n.now().Add(ttl)
}

// toWire - Converts a stored record, carrying its remaining lifetime as TTL.
func (n *Node) toWire(rec store.Record) *wire.Record {
	out := &wire.Record{Key: rec.Key, Value: rec.Value, Publisher: rec.Publisher}
	if !rec.Expires.IsZero() {
		out.TTL = rec.Expires.Sub(n.now())
		if out.TTL <= 0 {
			out.TTL = time.Millisecond
		}
	}
	return out
}

func (n *Node) fromWire(rec *wire.Record) store.Record {
	return store.Record{
		Key:       append(types.RecordKey(nil), rec.Key...),
		Value:     append([]byte(nil), rec.Value...),
		Publisher: rec.Publisher,
		Expires:   n.expiry(rec.TTL),
	}
}
