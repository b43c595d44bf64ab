package dht

import (
	"testing"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/netx"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"github.com/SharefulNetworks/shareful-dkv/wire"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawPeer - Speaks the wire protocol by hand so handlers can be exercised directly.
type rawPeer struct {
	id    types.PeerID
	addr  ma.Multiaddr
	tr    *netx.MemoryTransport
	codec wire.Codec
	inbox chan *wire.Message
	seq   uint64
}

func newRawPeer(t *testing.T, network *netx.MemoryNetwork) *rawPeer {
	t.Helper()
	ident, err := types.GenerateIdentity()
	require.NoError(t, err)

	p := &rawPeer{
		id:    ident.PublicID(),
		tr:    network.NewTransport(),
		codec: wire.CodecFor(true),
		inbox: make(chan *wire.Message, 16),
	}
	p.addr, err = p.tr.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"), func(_ ma.Multiaddr, data []byte) {
		if msg, err := p.codec.Decode(data); err == nil {
			p.inbox <- msg
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.tr.Close() })
	return p
}

func (p *rawPeer) send(t *testing.T, to *Node, msg *wire.Message) {
	t.Helper()
	p.seq++
	msg.ReqID = p.seq
	msg.From = p.id
	msg.FromAddrs = []ma.Multiaddr{p.addr}
	data, err := p.codec.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, p.tr.Send(to.ListenAddrs()[0], data))
}

func (p *rawPeer) request(t *testing.T, to *Node, msg *wire.Message) *wire.Message {
	t.Helper()
	p.send(t, to, msg)
	select {
	case resp := <-p.inbox:
		require.True(t, resp.IsResponse)
		require.Equal(t, msg.ReqID, resp.ReqID)
		require.Equal(t, msg.Op, resp.Op)
		return resp
	case <-time.After(5 * time.Second):
		t.Fatalf("no response to %s", msg.Op)
		return nil
	}
}

// awaitRequest - Returns the next request of op the peer receives, skipping others.
func (p *rawPeer) awaitRequest(t *testing.T, op wire.Op) *wire.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.inbox:
			if !msg.IsResponse && msg.Op == op {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s request received", op)
			return nil
		}
	}
}

// reply - Answers req with resp.
func (p *rawPeer) reply(t *testing.T, to *Node, req, resp *wire.Message) {
	t.Helper()
	resp.Op = req.Op
	resp.ReqID = req.ReqID
	resp.IsResponse = true
	resp.From = p.id
	resp.FromAddrs = []ma.Multiaddr{p.addr}
	data, err := p.codec.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, p.tr.Send(to.ListenAddrs()[0], data))
}

func Test_Handle_Ping_Records_Requester(t *testing.T) {
	ctx := NewConfigurableTestContext(t, 1, nil)
	n := ctx.Nodes[0]
	p := newRawPeer(t, ctx.Network)

	resp := p.request(t, n, &wire.Message{Op: wire.OP_PING})
	assert.True(t, resp.OK)
	assert.Equal(t, n.ID(), resp.From)
	assert.True(t, n.rtContains(p.id))
}

func Test_Handle_Find_Node_Excludes_Requester(t *testing.T) {
	ctx := NewConfigurableTestContext(t, 3, nil)
	n := ctx.Nodes[0]
	p := newRawPeer(t, ctx.Network)

	target := p.id
	resp := p.request(t, n, &wire.Message{Op: wire.OP_FIND_NODE, Key: target[:]})
	require.True(t, resp.OK)

	var ids []types.PeerID
	for _, c := range resp.Closer {
		ids = append(ids, c.ID)
		assert.NotEmpty(t, c.Addrs)
	}
	assert.ElementsMatch(t, []types.PeerID{ctx.Nodes[1].ID(), ctx.Nodes[2].ID()}, ids)
}

func Test_Handle_Find_Node_Rejects_Bad_Target(t *testing.T) {
	ctx := NewConfigurableTestContext(t, 1, nil)
	p := newRawPeer(t, ctx.Network)

	resp := p.request(t, ctx.Nodes[0], &wire.Message{Op: wire.OP_FIND_NODE, Key: []byte("short")})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Err)
}

func Test_Handle_Put_And_Get_Value(t *testing.T) {
	ctx := NewConfigurableTestContext(t, 1, nil)
	n := ctx.Nodes[0]
	p := newRawPeer(t, ctx.Network)

	t.Run("mismatched key rejected", func(t *testing.T) {
		resp := p.request(t, n, &wire.Message{
			Op:     wire.OP_PUT_VALUE,
			Key:    []byte("a"),
			Record: &wire.Record{Key: []byte("b"), Value: []byte("v")},
		})
		assert.False(t, resp.OK)
		assert.NotEmpty(t, resp.Err)
	})

	t.Run("ttl capped", func(t *testing.T) {
		resp := p.request(t, n, &wire.Message{
			Op:     wire.OP_PUT_VALUE,
			Key:    []byte("k"),
			Record: &wire.Record{Key: []byte("k"), Value: []byte("v"), Publisher: &p.id, TTL: 1000 * time.Hour},
		})
		require.True(t, resp.OK)

		rec, ok := n.LocalRecord(types.RecordKey("k"))
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(ctx.Config.RecordTTL), rec.Expires, time.Minute)
		require.NotNil(t, rec.Publisher)
		assert.Equal(t, p.id, *rec.Publisher)
	})

	t.Run("get returns record", func(t *testing.T) {
		resp := p.request(t, n, &wire.Message{Op: wire.OP_GET_VALUE, Key: []byte("k")})
		require.True(t, resp.OK)
		require.NotNil(t, resp.Record)
		assert.Equal(t, "v", string(resp.Record.Value))
		assert.Greater(t, resp.Record.TTL, time.Duration(0))
	})

	t.Run("get miss", func(t *testing.T) {
		resp := p.request(t, n, &wire.Message{Op: wire.OP_GET_VALUE, Key: []byte("nope")})
		assert.False(t, resp.OK)
		assert.Nil(t, resp.Record)
	})
}

func Test_Handle_Add_Provider_Requires_Sender(t *testing.T) {
	ctx := NewConfigurableTestContext(t, 1, nil)
	n := ctx.Nodes[0]
	p := newRawPeer(t, ctx.Network)

	//announcing someone else is refused
	resp := p.request(t, n, &wire.Message{
		Op:        wire.OP_ADD_PROVIDER,
		Key:       []byte("k"),
		Providers: []types.AddrInfo{{ID: types.PeerID{9}, Addrs: []ma.Multiaddr{p.addr}}},
	})
	assert.False(t, resp.OK)

	//announcing itself without addresses falls back to the advertised ones
	resp = p.request(t, n, &wire.Message{
		Op:        wire.OP_ADD_PROVIDER,
		Key:       []byte("k"),
		Providers: []types.AddrInfo{{ID: p.id}},
	})
	require.True(t, resp.OK)

	resp = p.request(t, n, &wire.Message{Op: wire.OP_GET_PROVIDERS, Key: []byte("k")})
	require.True(t, resp.OK)
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, p.id, resp.Providers[0].ID)
	require.Len(t, resp.Providers[0].Addrs, 1)
	assert.True(t, p.addr.Equal(resp.Providers[0].Addrs[0]))
}

func Test_Malformed_And_Unsolicited_Messages_Are_Dropped(t *testing.T) {
	ctx := NewConfigurableTestContext(t, 1, nil)
	n := ctx.Nodes[0]
	p := newRawPeer(t, ctx.Network)

	require.NoError(t, p.tr.Send(n.ListenAddrs()[0], []byte{0xff, 0xff, 0xff}))
	p.send(t, n, &wire.Message{Op: wire.OP_PING, IsResponse: true, OK: true})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(n.metrics.messagesDropped) == 2
	}, 2*time.Second, 10*time.Millisecond)

	//the node keeps serving
	resp := p.request(t, n, &wire.Message{Op: wire.OP_PING})
	assert.True(t, resp.OK)
}

func Test_Rejected_Lookup_Response_Counts_As_No_Response(t *testing.T) {
	ctx := NewConfigurableTestContext(t, 1, nil)
	n := ctx.Nodes[0]
	p := newRawPeer(t, ctx.Network)

	//the raw peer is the only one the node knows
	p.request(t, n, &wire.Message{Op: wire.OP_PING})
	require.Eventually(t, func() bool { return len(n.KnownPeers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	id := n.PutRecord(types.RecordKey("k"), []byte("v"), types.QuorumOne())
	req := p.awaitRequest(t, wire.OP_FIND_NODE)
	p.reply(t, n, req, &wire.Message{Err: "refused"})

	//a peer that refused the lookup is not a storage target
	ev := awaitQuery(t, n, id)
	require.Equal(t, events.QueryFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrPeersUnreachable)

	assert.Never(t, func() bool {
		select {
		case msg := <-p.inbox:
			return msg.Op == wire.OP_PUT_VALUE
		default:
			return false
		}
	}, 300*time.Millisecond, 10*time.Millisecond)
}
