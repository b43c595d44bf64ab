package dht

import (
	"time"

	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/routing"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"github.com/SharefulNetworks/shareful-dkv/wire"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// pendingRPC - A request awaiting its response. Callbacks run on the router goroutine.
type pendingRPC struct {
	op         wire.Op
	peer       types.PeerID //zero when dialling an address of unknown identity
	addr       ma.Multiaddr
	timer      *time.Timer
	onResponse func(*wire.Message)
	onFailure  func(error)
}

func (n *Node) nextReqID() uint64 { return n.reqSeq.Add(1) }

// request - Sends msg to the first address of to. Exactly one of the callbacks
// runs later on the router goroutine, never from within request itself.
func (n *Node) request(to types.AddrInfo, msg *wire.Message, onResponse func(*wire.Message), onFailure func(error)) {
	if len(to.Addrs) == 0 {
		n.post(func() {
			n.peerFailed(to.ID)
			if onFailure != nil {
				onFailure(ErrPeersUnreachable)
			}
		})
		return
	}
	n.requestAddr(to.ID, to.Addrs[0], msg, onResponse, onFailure)
}

func (n *Node) requestAddr(peer types.PeerID, addr ma.Multiaddr, msg *wire.Message, onResponse func(*wire.Message), onFailure func(error)) {
	reqID := n.nextReqID()
	msg.ReqID = reqID
	msg.IsResponse = false
	msg.From = n.id
	msg.FromAddrs = n.advertised()

	rpc := &pendingRPC{
		op:         msg.Op,
		peer:       peer,
		addr:       addr,
		onResponse: onResponse,
		onFailure:  onFailure,
	}
	n.rpcs[reqID] = rpc
	n.metrics.rpcsSent.WithLabelValues(msg.Op.String()).Inc()
	rpc.timer = time.AfterFunc(n.cfg.RequestTimeout, func() {
		n.post(func() { n.rpcFailed(reqID, ErrTimeout) })
	})

	if err := n.send(addr, msg); err != nil {
		n.post(func() { n.rpcFailed(reqID, err) })
	}
}

func (n *Node) send(addr ma.Multiaddr, msg *wire.Message) error {
	data, err := n.codec.Encode(msg)
	if err != nil {
		return err
	}
	return n.transport.Send(addr, data)
}

// rpcFailed - Resolves a pending request as failed, counting it against the peer's liveness.
func (n *Node) rpcFailed(reqID uint64, err error) {
	rpc, ok := n.rpcs[reqID]
	if !ok {
		return
	}
	delete(n.rpcs, reqID)
	rpc.timer.Stop()
	n.metrics.rpcsFailed.WithLabelValues(rpc.op.String()).Inc()
	n.log.Debug("request failed",
		zap.Stringer("op", rpc.op),
		zap.Stringer("addr", rpc.addr),
		zap.Error(err))

	if !rpc.peer.IsZero() {
		n.peerFailed(rpc.peer)
	}
	if rpc.onFailure != nil {
		rpc.onFailure(err)
	}
}

// failRequestsTo - Fails every pending request addressed to addr.
func (n *Node) failRequestsTo(addr ma.Multiaddr, err error) {
	var ids []uint64
	for id, rpc := range n.rpcs {
		if rpc.addr.Equal(addr) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		n.rpcFailed(id, err)
	}
}

// handleResponse - Matches a response to its request. Responses that are
// unsolicited, or whose op or sender do not match the request, are dropped and
// the request is left to time out.
func (n *Node) handleResponse(msg *wire.Message) {
	rpc, ok := n.rpcs[msg.ReqID]
	if !ok || rpc.op != msg.Op || (!rpc.peer.IsZero() && rpc.peer != msg.From) {
		n.metrics.messagesDropped.Inc()
		return
	}
	delete(n.rpcs, msg.ReqID)
	rpc.timer.Stop()

	addrs := append([]ma.Multiaddr{rpc.addr}, msg.FromAddrs...)
	n.peerResponded(msg.From, addrs)
	if rpc.onResponse != nil {
		rpc.onResponse(msg)
	}
}

// ---------------------------------------------------------------------------
// routing table maintenance
// ---------------------------------------------------------------------------

// addAddress - Records addr against peer. A full bucket triggers a liveness
// check of its least recently seen entry.
func (n *Node) addAddress(peer types.PeerID, addr ma.Multiaddr) {
	res := n.rt.Update(peer, addr)
	switch res.Outcome {
	case routing.Inserted:
		n.emit(events.Event{Kind: events.RoutingUpdated, Peer: peer, Addr: addr})
	case routing.Pending:
		n.checkEvictable(*res.Evictable)
	}
}

// checkEvictable - Pings p; it is evicted (and the newest replacement promoted)
// only if the ping fails.
func (n *Node) checkEvictable(p routing.Peer) {
	if n.pinging[p.ID] || len(p.Addrs) == 0 {
		return
	}
	n.pinging[p.ID] = true
	n.requestAddr(p.ID, p.Addrs[0], &wire.Message{Op: wire.OP_PING},
		func(*wire.Message) { delete(n.pinging, p.ID) },
		func(error) {
			delete(n.pinging, p.ID)
			if n.rt.Remove(p.ID) {
				n.log.Debug("evicted unresponsive peer", zap.String("peer", p.ID.Short()))
				n.markDisconnected(p.ID)
			}
		})
}

// peerResponded - Records a successful exchange with peer.
func (n *Node) peerResponded(peer types.PeerID, addrs []ma.Multiaddr) {
	if peer == n.id || peer.IsZero() || len(addrs) == 0 {
		return
	}
	for _, a := range addrs {
		n.addAddress(peer, a)
	}
	n.rt.MarkAlive(peer)
	n.markConnected(peer, addrs[0])
}

func (n *Node) peerFailed(peer types.PeerID) {
	if n.rt.RecordFailure(peer) {
		n.log.Debug("dropping unresponsive peer", zap.String("peer", peer.Short()))
		n.markDisconnected(peer)
	}
}

// markConnected - The first successful exchange with a peer establishes the
// connection, and may kick off a bootstrap.
func (n *Node) markConnected(peer types.PeerID, addr ma.Multiaddr) {
	if n.connected[peer] {
		return
	}
	n.connected[peer] = true
	n.emit(events.Event{Kind: events.ConnectionEstablished, Peer: peer, Addr: addr})

	if n.cfg.AutoBootstrap && n.bootstrapID == 0 {
		n.startBootstrap(n.nextQueryID())
	}
}

func (n *Node) markDisconnected(peer types.PeerID) {
	if !n.connected[peer] {
		return
	}
	delete(n.connected, peer)
	n.emit(events.Event{Kind: events.ConnectionClosed, Peer: peer})
}

// transportNotifiee - Forwards transport notifications onto the router goroutine.
type transportNotifiee struct{ n *Node }

func (t transportNotifiee) Disconnected(addr ma.Multiaddr) {
	t.n.post(func() {
		if peer, ok := t.n.rt.FindByAddr(addr); ok {
			t.n.markDisconnected(peer)
		}
	})
}

func (t transportNotifiee) SendFailed(addr ma.Multiaddr, err error) {
	t.n.post(func() { t.n.failRequestsTo(addr, err) })
}

func addrInfos(peers []routing.Peer) []types.AddrInfo {
	out := make([]types.AddrInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, types.AddrInfo{ID: p.ID, Addrs: p.Addrs})
	}
	return out
}
