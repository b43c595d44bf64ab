package dht

import (
	"bytes"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/store"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"github.com/SharefulNetworks/shareful-dkv/wire"
	"go.uber.org/zap"
)

// queryState - Issued -> AwaitingResponses -> {Succeeded | PartiallySucceeded | Failed}.
// Terminal states are final.
type queryState int

const (
	stateIssued queryState = iota
	stateAwaitingResponses
	stateSucceeded
	statePartiallySucceeded
	stateFailed
)

func (s queryState) terminal() bool { return s >= stateSucceeded }

func (s queryState) outcome() events.Outcome {
	switch s {
	case stateSucceeded:
		return events.Succeeded
	case statePartiallySucceeded:
		return events.PartiallySucceeded
	default:
		return events.Failed
	}
}

// query - An operation in flight, owned by the router goroutine.
type query struct {
	id     events.QueryID
	kind   events.QueryKind
	key    types.RecordKey
	target types.PeerID
	quorum types.Quorum
	silent bool //periodic maintenance; finishes without emitting an event.
	state  queryState
	timer  *time.Timer
	lookup *lookup

	responses int //peers that answered a lookup request
	required  int //confirmations needed

	//GET
	groups []*valueGroup

	//GET_PROVIDERS
	providers     map[types.PeerID]types.AddrInfo
	providerOrder []types.PeerID

	//PUT / PUT_PROVIDER
	record      *wire.Record
	storing     bool
	awaiting    map[types.PeerID]bool
	confirmed   []types.PeerID
	failedPeers []types.PeerID
}

// valueGroup - Peers that returned the same value for a GET.
type valueGroup struct {
	rec   *wire.Record
	peers map[types.PeerID]struct{}
	local bool
}

func (g *valueGroup) count() int {
	n := len(g.peers)
	if g.local {
		n++
	}
	return n
}

func (q *query) group(value []byte) *valueGroup {
	for _, g := range q.groups {
		if bytes.Equal(g.rec.Value, value) {
			return g
		}
	}
	g := &valueGroup{peers: map[types.PeerID]struct{}{}}
	q.groups = append(q.groups, g)
	return g
}

// best - The group with the most confirmations, the earliest seen on a tie.
func (q *query) best() *valueGroup {
	var best *valueGroup
	for _, g := range q.groups {
		if best == nil || g.count() > best.count() {
			best = g
		}
	}
	return best
}

func (q *query) addProvider(p types.AddrInfo) {
	if p.ID.IsZero() {
		return
	}
	if q.providers == nil {
		q.providers = map[types.PeerID]types.AddrInfo{}
	}
	if existing, ok := q.providers[p.ID]; ok {
		if len(existing.Addrs) == 0 && len(p.Addrs) > 0 {
			q.providers[p.ID] = p
		}
		return
	}
	q.providers[p.ID] = p
	q.providerOrder = append(q.providerOrder, p.ID)
}

func (q *query) providerList() []types.AddrInfo {
	out := make([]types.AddrInfo, 0, len(q.providerOrder))
	for _, id := range q.providerOrder {
		out = append(out, q.providers[id])
	}
	return out
}

// newQuery - Registers a query and arms its overall time budget.
func (n *Node) newQuery(id events.QueryID, kind events.QueryKind, key types.RecordKey, target types.PeerID, quorum types.Quorum, silent bool) *query {
	q := &query{
		id:     id,
		kind:   kind,
		key:    key,
		target: target,
		quorum: quorum,
		silent: silent,
	}
	n.queries[id] = q
	n.metrics.queriesStarted.WithLabelValues(kind.String()).Inc()
	q.timer = time.AfterFunc(n.cfg.QueryTimeout, func() {
		n.post(func() { n.queryTimedOut(id) })
	})
	return q
}

func (n *Node) active(q *query) bool {
	return n.queries[q.id] == q && !q.state.terminal()
}

// finish - Moves q to its terminal state and emits ev, unless q is silent.
func (n *Node) finish(q *query, state queryState, ev events.Event) {
	if q.state.terminal() {
		return
	}
	q.state = state
	q.timer.Stop()
	delete(n.queries, q.id)
	if n.bootstrapID == q.id {
		n.bootstrapID = 0
	}
	n.metrics.queriesFinished.WithLabelValues(q.kind.String(), state.outcome().String()).Inc()

	if q.silent {
		n.log.Debug("maintenance query finished",
			zap.Stringer("kind", q.kind),
			zap.Stringer("outcome", state.outcome()),
			zap.Error(ev.Err))
		return
	}

	ev.QueryID = q.id
	ev.Query = q.kind
	ev.Key = append(types.RecordKey(nil), q.key...)
	ev.Outcome = state.outcome()
	n.emit(ev)
}

func (n *Node) fail(q *query, err error) {
	n.finish(q, stateFailed, events.Event{Kind: events.QueryFailed, Err: err})
}

// ---------------------------------------------------------------------------
// lookup driving
// ---------------------------------------------------------------------------

// startLookup - Seeds the frontier from the routing table and sends the first
// round. Returns false when no peers are known.
func (n *Node) startLookup(q *query) bool {
	seeds := n.rt.Closest(q.target, n.cfg.BucketSize)
	if len(seeds) == 0 {
		return false
	}
	q.lookup = newLookup(n.id, q.target, n.cfg.BucketSize, n.cfg.Alpha)
	q.lookup.add(addrInfos(seeds), n.rt.Contains)
	n.stepLookup(q)
	return true
}

func (n *Node) stepLookup(q *query) {
	if !n.active(q) || q.storing {
		return
	}
	for _, p := range q.lookup.next() {
		n.sendLookupRequest(q, p)
	}
	if q.lookup.converged() {
		n.lookupConverged(q)
	}
}

func (n *Node) sendLookupRequest(q *query, p types.AddrInfo) {
	msg := &wire.Message{}
	switch q.kind {
	case events.QueryGet:
		msg.Op = wire.OP_GET_VALUE
		msg.Key = q.key
	case events.QueryGetProviders:
		msg.Op = wire.OP_GET_PROVIDERS
		msg.Key = q.key
	default:
		msg.Op = wire.OP_FIND_NODE
		msg.Key = append([]byte(nil), q.target[:]...)
	}

	if q.state == stateIssued {
		q.state = stateAwaitingResponses
	}
	peer := p.ID
	n.request(p, msg,
		func(resp *wire.Message) { n.onLookupResponse(q, peer, resp) },
		func(error) { n.onLookupFailure(q, peer) })
}

func (n *Node) onLookupResponse(q *query, from types.PeerID, resp *wire.Message) {
	if !n.active(q) || q.storing {
		return
	}
	if resp.Err != "" {
		//a rejected request contributes nothing, like a peer that never answered
		n.log.Debug("lookup request rejected", zap.String("peer", from.Short()), zap.String("err", resp.Err))
		n.onLookupFailure(q, from)
		return
	}
	q.lookup.responded(from)
	q.responses++
	q.lookup.add(resp.Closer, n.rt.Contains)

	switch q.kind {
	case events.QueryGet:
		if resp.Record != nil && bytes.Equal(resp.Record.Key, q.key) {
			g := q.group(resp.Record.Value)
			if g.rec == nil {
				g.rec = resp.Record
			}
			g.peers[from] = struct{}{}
			if g.count() >= q.required {
				n.foundRecord(q, g)
				return
			}
		}
	case events.QueryGetProviders:
		for _, p := range resp.Providers {
			q.addProvider(p)
		}
	}
	n.stepLookup(q)
}

// onLookupFailure - The peer is dropped from this lookup only; the routing
// table tracks its liveness separately.
func (n *Node) onLookupFailure(q *query, from types.PeerID) {
	if !n.active(q) || q.storing {
		return
	}
	q.lookup.failed(from)
	n.stepLookup(q)
}

func (n *Node) lookupConverged(q *query) {
	switch q.kind {
	case events.QueryGet:
		//the lookup has heard from everyone it could reach; measure the
		//quorum against the closest peers that answered
		q.required = n.getRequired(q, len(q.lookup.closestResponded(n.cfg.BucketSize)))
		if g := q.best(); g != nil && g.count() >= q.required {
			n.foundRecord(q, g)
			return
		}
		n.concludeGet(q, nil)
	case events.QueryGetProviders:
		n.concludeProviders(q, nil)
	case events.QueryPut, events.QueryProvide:
		n.startStoring(q)
	case events.QueryBootstrap:
		n.concludeBootstrap(q)
	}
}

// ---------------------------------------------------------------------------
// GET
// ---------------------------------------------------------------------------

func (n *Node) startGet(id events.QueryID, key types.RecordKey, quorum types.Quorum) {
	q := n.newQuery(id, events.QueryGet, key, key.ID(), quorum, false)

	//the local store counts as one confirmation, when it holds the key
	rec, local := n.store.Get(key)
	if local {
		g := q.group(rec.Value)
		g.rec = n.toWire(rec)
		g.local = true
	}
	q.required = n.getRequired(q, n.rt.Size())
	if g := q.best(); g != nil && g.count() >= q.required {
		n.foundRecord(q, g)
		return
	}

	if !n.startLookup(q) {
		n.concludeGet(q, ErrNoKnownPeers)
	}
}

// getRequired - The confirmations a GET needs when the given number of remote
// peers can answer it. At most k of them count, plus the local node when it
// holds the key.
func (n *Node) getRequired(q *query, peers int) int {
	total := min(peers, n.cfg.BucketSize)
	if q.hasLocal() {
		total++
	}
	return q.quorum.Required(total)
}

func (q *query) hasLocal() bool {
	for _, g := range q.groups {
		if g.local {
			return true
		}
	}
	return false
}

func (n *Node) foundRecord(q *query, g *valueGroup) {
	rec := n.fromWire(g.rec)
	n.finish(q, stateSucceeded, events.Event{
		Kind:          events.FoundRecord,
		Record:        &rec,
		Confirmations: g.count(),
		Required:      q.required,
	})
}

// concludeGet - Terminates a GET that ran out of peers or time without reaching quorum.
// cause is reported when no value at all was seen and no peer answered.
func (n *Node) concludeGet(q *query, cause error) {
	if g := q.best(); g != nil {
		rec := n.fromWire(g.rec)
		n.finish(q, stateFailed, events.Event{
			Kind:          events.QueryFailed,
			Err:           ErrQuorumFailed,
			Record:        &rec,
			Confirmations: g.count(),
			Required:      q.required,
		})
		return
	}
	switch {
	case cause != nil && q.responses == 0:
		n.fail(q, cause)
	case q.responses == 0:
		n.fail(q, ErrPeersUnreachable)
	default:
		n.fail(q, ErrNotFound)
	}
}

// ---------------------------------------------------------------------------
// GET_PROVIDERS
// ---------------------------------------------------------------------------

func (n *Node) startGetProviders(id events.QueryID, key types.RecordKey) {
	q := n.newQuery(id, events.QueryGetProviders, key, key.ID(), types.QuorumOne(), false)
	for _, p := range n.localProviders(key) {
		q.addProvider(p)
	}
	if !n.startLookup(q) {
		n.concludeProviders(q, ErrNoKnownPeers)
	}
}

func (n *Node) concludeProviders(q *query, cause error) {
	if len(q.providers) > 0 {
		n.finish(q, stateSucceeded, events.Event{
			Kind:      events.FoundProviders,
			Providers: q.providerList(),
		})
		return
	}
	switch {
	case cause != nil && q.responses == 0:
		n.fail(q, cause)
	case q.responses == 0:
		n.fail(q, ErrPeersUnreachable)
	default:
		n.fail(q, ErrNotFound)
	}
}

// ---------------------------------------------------------------------------
// PUT / PUT_PROVIDER
// ---------------------------------------------------------------------------

func (n *Node) startPut(id events.QueryID, key types.RecordKey, value []byte, quorum types.Quorum, silent bool) {
	q := n.newQuery(id, events.QueryPut, key, key.ID(), quorum, silent)

	self := n.id
	rec := store.Record{Key: key, Value: value, Publisher: &self, Expires: n.expiry(n.cfg.RecordTTL)}
	if err := n.store.Put(rec); err != nil {
		n.fail(q, err)
		return
	}
	q.record = &wire.Record{Key: key, Value: value, Publisher: &self, TTL: n.cfg.RecordTTL}

	if !n.startLookup(q) {
		n.fail(q, ErrNoKnownPeers)
	}
}

func (n *Node) startProvide(id events.QueryID, key types.RecordKey, quorum types.Quorum, silent bool) {
	q := n.newQuery(id, events.QueryProvide, key, key.ID(), quorum, silent)

	if err := n.store.StartProviding(key, n.id, n.cfg.ProviderRecordTTL); err != nil {
		n.fail(q, err)
		return
	}
	if !n.startLookup(q) {
		n.fail(q, ErrNoKnownPeers)
	}
}

// startStoring - Second phase of PUT / PUT_PROVIDER: the record is sent to the
// closest peers that answered the lookup.
func (n *Node) startStoring(q *query) {
	targets := q.lookup.closestResponded(n.cfg.BucketSize)
	if len(targets) == 0 {
		n.fail(q, ErrPeersUnreachable)
		return
	}
	q.storing = true
	q.required = q.quorum.Required(len(targets))
	q.awaiting = make(map[types.PeerID]bool, len(targets))

	for _, t := range targets {
		msg := &wire.Message{Key: q.key}
		if q.kind == events.QueryPut {
			msg.Op = wire.OP_PUT_VALUE
			msg.Record = q.record
		} else {
			msg.Op = wire.OP_ADD_PROVIDER
			msg.Providers = []types.AddrInfo{{ID: n.id, Addrs: n.advertised()}}
		}
		peer := t.ID
		q.awaiting[peer] = true
		n.request(t, msg,
			func(resp *wire.Message) { n.storeSettled(q, peer, resp.OK) },
			func(error) { n.storeSettled(q, peer, false) })
	}
}

func (n *Node) storeSettled(q *query, peer types.PeerID, ok bool) {
	if !n.active(q) || !q.awaiting[peer] {
		return
	}
	delete(q.awaiting, peer)
	if ok {
		q.confirmed = append(q.confirmed, peer)
	} else {
		q.failedPeers = append(q.failedPeers, peer)
	}
	if len(q.awaiting) == 0 {
		n.concludeStore(q)
	}
}

// concludeStore - Judges the confirmations against the quorum. Zero confirmations
// always fail; a below quorum result is partial unless strict quorum is configured.
func (n *Node) concludeStore(q *query) {
	kind := events.PutComplete
	if q.kind == events.QueryProvide {
		kind = events.ProvideComplete
	}
	ev := events.Event{
		Kind:          kind,
		Confirmations: len(q.confirmed),
		Required:      q.required,
		FailedPeers:   q.failedPeers,
	}

	switch {
	case len(q.confirmed) >= q.required:
		n.finish(q, stateSucceeded, ev)
	case len(q.confirmed) == 0 || n.cfg.StrictQuorum:
		ev.Kind = events.QueryFailed
		ev.Err = ErrQuorumFailed
		n.finish(q, stateFailed, ev)
	default:
		n.finish(q, statePartiallySucceeded, ev)
	}
}

// ---------------------------------------------------------------------------
// BOOTSTRAP / bucket refresh
// ---------------------------------------------------------------------------

func (n *Node) startBootstrap(id events.QueryID) {
	q := n.newQuery(id, events.QueryBootstrap, nil, n.id, types.QuorumOne(), false)
	n.bootstrapID = id
	if !n.startLookup(q) {
		n.fail(q, ErrNoKnownPeers)
	}
}

// startRefresh - A silent lookup for target, used to repopulate a stale bucket.
func (n *Node) startRefresh(target types.PeerID) {
	q := n.newQuery(n.nextQueryID(), events.QueryBootstrap, nil, target, types.QuorumOne(), true)
	if !n.startLookup(q) {
		n.fail(q, ErrNoKnownPeers)
	}
}

func (n *Node) concludeBootstrap(q *query) {
	if q.responses == 0 {
		n.fail(q, ErrPeersUnreachable)
		return
	}
	n.finish(q, stateSucceeded, events.Event{
		Kind:      events.BootstrapComplete,
		PeerCount: n.rt.Size(),
	})
}

// ---------------------------------------------------------------------------
// time budget
// ---------------------------------------------------------------------------

func (n *Node) queryTimedOut(id events.QueryID) {
	q, ok := n.queries[id]
	if !ok || q.state.terminal() {
		return
	}
	n.log.Debug("query time budget exhausted", zap.Uint64("query", uint64(id)), zap.Stringer("kind", q.kind))

	switch q.kind {
	case events.QueryGet:
		n.concludeGet(q, ErrTimeout)
	case events.QueryGetProviders:
		n.concludeProviders(q, ErrTimeout)
	case events.QueryPut, events.QueryProvide:
		if !q.storing {
			n.fail(q, ErrTimeout)
			return
		}
		for peer := range q.awaiting {
			q.failedPeers = append(q.failedPeers, peer)
		}
		q.awaiting = nil
		n.concludeStore(q)
	case events.QueryBootstrap:
		if q.responses == 0 {
			n.fail(q, ErrTimeout)
			return
		}
		n.concludeBootstrap(q)
	}
}
