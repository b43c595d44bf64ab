package dht

import (
	"bytes"
	"errors"

	"github.com/SharefulNetworks/shareful-dkv/netx"
	"github.com/SharefulNetworks/shareful-dkv/store"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"github.com/SharefulNetworks/shareful-dkv/wire"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

var errMalformedRequest = errors.New("malformed request")

// -----------------------------------------------------------------------------
// Incoming Message Handler
// -----------------------------------------------------------------------------

// onMessage - Transport callback. Decoding happens on the transport goroutine;
// the decoded message is handed to the router goroutine.
func (n *Node) onMessage(from ma.Multiaddr, data []byte) {
	msg, err := n.codec.Decode(data)

	//if an error occurred during decoding, log and exit
	if err != nil {
		n.log.Debug("dropping undecodable message", zap.Stringer("from", from), zap.Error(err))
		n.metrics.messagesDropped.Inc()
		return
	}
	if msg.From == n.id {
		return
	}
	n.post(func() { n.handleMessage(from, msg) })
}

func (n *Node) handleMessage(from ma.Multiaddr, msg *wire.Message) {
	msg.FromAddrs = netx.ReachableFrom(from, msg.FromAddrs)
	if msg.IsResponse {
		n.handleResponse(msg)
		return
	}
	n.handleRequest(from, msg)
}

// handleRequest - Serves an inbound request. The requester counts as a live
// peer and is recorded under the addresses it advertises.
func (n *Node) handleRequest(from ma.Multiaddr, msg *wire.Message) {
	n.peerResponded(msg.From, msg.FromAddrs)

	resp := &wire.Message{
		Op:         msg.Op,
		ReqID:      msg.ReqID,
		IsResponse: true,
		From:       n.id,
		FromAddrs:  n.advertised(),
	}

	switch msg.Op {
	case wire.OP_PING:
		resp.OK = true

	case wire.OP_FIND_NODE:
		target, err := types.PeerIDFromBytes(msg.Key)
		if err != nil {
			n.rejectRequest(from, msg, err)
			return
		}
		resp.Closer = n.closerPeers(target, msg.From)
		resp.OK = true

	case wire.OP_GET_VALUE:
		key := types.RecordKey(msg.Key)
		if len(key) == 0 {
			n.rejectRequest(from, msg, errMalformedRequest)
			return
		}
		if rec, ok := n.store.Get(key); ok {
			resp.Record = n.toWire(rec)
			resp.OK = true
		}
		resp.Closer = n.closerPeers(key.ID(), msg.From)

	case wire.OP_PUT_VALUE:
		if err := n.acceptRecord(msg); err != nil {
			resp.Err = err.Error()
		} else {
			resp.OK = true
		}

	case wire.OP_ADD_PROVIDER:
		if err := n.acceptProvider(from, msg); err != nil {
			resp.Err = err.Error()
		} else {
			resp.OK = true
		}

	case wire.OP_GET_PROVIDERS:
		key := types.RecordKey(msg.Key)
		if len(key) == 0 {
			n.rejectRequest(from, msg, errMalformedRequest)
			return
		}
		resp.Providers = n.localProviders(key)
		resp.Closer = n.closerPeers(key.ID(), msg.From)
		resp.OK = len(resp.Providers) > 0
	}

	n.reply(from, msg, resp)
}

func (n *Node) rejectRequest(from ma.Multiaddr, msg *wire.Message, err error) {
	n.log.Debug("rejecting request", zap.Stringer("op", msg.Op), zap.String("peer", msg.From.Short()), zap.Error(err))
	n.reply(from, msg, &wire.Message{
		Op:         msg.Op,
		ReqID:      msg.ReqID,
		IsResponse: true,
		From:       n.id,
		FromAddrs:  n.advertised(),
		Err:        err.Error(),
	})
}

// reply - Responses go to the requester's first advertised address, falling back
// to the address the request arrived from.
func (n *Node) reply(from ma.Multiaddr, req, resp *wire.Message) {
	to := from
	if len(req.FromAddrs) > 0 {
		to = req.FromAddrs[0]
	}
	if err := n.send(to, resp); err != nil {
		n.log.Debug("reply failed", zap.Stringer("op", resp.Op), zap.Stringer("to", to), zap.Error(err))
	}
}

// acceptRecord - Stores a record pushed by PUT_VALUE. Lifetimes are capped at
// the configured record TTL.
func (n *Node) acceptRecord(msg *wire.Message) error {
	rec := msg.Record
	if rec == nil || len(msg.Key) == 0 || !bytes.Equal(rec.Key, msg.Key) {
		return errMalformedRequest
	}
	ttl := rec.TTL
	if ttl <= 0 || (n.cfg.RecordTTL > 0 && ttl > n.cfg.RecordTTL) {
		ttl = n.cfg.RecordTTL
	}
	return n.store.Put(store.Record{
		Key:       types.RecordKey(rec.Key),
		Value:     rec.Value,
		Publisher: rec.Publisher,
		Expires:   n.expiry(ttl),
	})
}

// acceptProvider - Stores a provider record. A peer may only announce itself.
func (n *Node) acceptProvider(from ma.Multiaddr, msg *wire.Message) error {
	if len(msg.Key) == 0 {
		return errMalformedRequest
	}
	for _, p := range msg.Providers {
		if p.ID != msg.From {
			continue
		}
		addrs := netx.ReachableFrom(from, p.Addrs)
		if len(addrs) == 0 {
			addrs = msg.FromAddrs
		}
		return n.store.AddProvider(store.ProviderRecord{
			Key:      append(types.RecordKey(nil), msg.Key...),
			Provider: p.ID,
			Addrs:    addrs,
			Expires:  n.expiry(n.cfg.ProviderRecordTTL),
		})
	}
	return errors.New("provider must be the sender")
}

// closerPeers - The k peers closest to target, excluding the requester.
func (n *Node) closerPeers(target, exclude types.PeerID) []types.AddrInfo {
	peers := n.rt.Closest(target, n.cfg.BucketSize+1)
	out := make([]types.AddrInfo, 0, len(peers))
	for _, p := range peers {
		if p.ID == exclude {
			continue
		}
		if len(out) == n.cfg.BucketSize {
			break
		}
		out = append(out, types.AddrInfo{ID: p.ID, Addrs: p.Addrs})
	}
	return out
}

// localProviders - Providers of key held in the local store; the local node is
// listed under its current listen addresses.
func (n *Node) localProviders(key types.RecordKey) []types.AddrInfo {
	recs := n.store.Providers(key)
	out := make([]types.AddrInfo, 0, len(recs))
	for _, p := range recs {
		addrs := p.Addrs
		if p.Provider == n.id {
			addrs = n.advertised()
		}
		out = append(out, types.AddrInfo{ID: p.Provider, Addrs: addrs})
	}
	return out
}
