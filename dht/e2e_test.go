package dht

import (
	"context"
	"testing"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/config"
	"github.com/SharefulNetworks/shareful-dkv/discovery"
	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/netx"
	"github.com/SharefulNetworks/shareful-dkv/store"
	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

/*****************************************************************************************************************
 *                                             CORE E2E TESTS
 *
 * THE BELOW TESTS VALIDATE THE ROUTER END TO END OVER AN IN-PROCESS MEMORY NETWORK, WITH ONE
 * TEST OVER REAL TCP SOCKETS ON THE LOOPBACK INTERFACE.
 ******************************************************************************************************************/

func Test_Put_And_Get_Record_Round_Trip(t *testing.T) {

	//create a fully connected three node network
	ctx := NewConfigurableTestContext(t, 3, nil)
	n1 := ctx.Nodes[0]

	//store the record via node 1
	ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("x"), []byte("1"), types.QuorumOne()))
	require.Equal(t, events.PutComplete, ev.Kind)
	assert.Equal(t, events.Succeeded, ev.Outcome)
	assert.Equal(t, "x", ev.Key.String())
	assert.GreaterOrEqual(t, ev.Confirmations, 1)

	//a late joiner that only knows node 1 must still find it through the network
	late := ctx.AddNode(t, ctx.Config)
	connect(t, late, n1)
	_, ok := late.LocalRecord(types.RecordKey("x"))
	require.False(t, ok)

	ev = awaitQuery(t, late, late.GetRecord(types.RecordKey("x"), types.QuorumOne()))
	require.Equal(t, events.FoundRecord, ev.Kind)
	require.NotNil(t, ev.Record)
	assert.Equal(t, "1", string(ev.Record.Value))
	assert.Equal(t, events.Succeeded, ev.Outcome)
	require.NotNil(t, ev.Record.Publisher)
	assert.Equal(t, n1.ID(), *ev.Record.Publisher)
}

func Test_Get_Record_Served_From_Local_Store(t *testing.T) {

	//a lone node still answers from its own store
	ctx := NewConfigurableTestContext(t, 1, nil)
	n := ctx.Nodes[0]

	//the PUT itself cannot reach anyone
	ev := awaitQuery(t, n, n.PutRecord(types.RecordKey("solo"), []byte("v"), types.QuorumOne()))
	require.Equal(t, events.QueryFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrNoKnownPeers)

	rec, ok := n.LocalRecord(types.RecordKey("solo"))
	require.True(t, ok)
	assert.Equal(t, "v", string(rec.Value))

	ev = awaitQuery(t, n, n.GetRecord(types.RecordKey("solo"), types.QuorumOne()))
	require.Equal(t, events.FoundRecord, ev.Kind)
	assert.Equal(t, "v", string(ev.Record.Value))
	assert.Equal(t, 1, ev.Confirmations)
}

func Test_Get_Record_Failures(t *testing.T) {

	t.Run("no known peers", func(t *testing.T) {
		ctx := NewConfigurableTestContext(t, 1, nil)
		n := ctx.Nodes[0]

		ev := awaitQuery(t, n, n.GetRecord(types.RecordKey("missing"), types.QuorumOne()))
		require.Equal(t, events.QueryFailed, ev.Kind)
		assert.Equal(t, events.Failed, ev.Outcome)
		assert.ErrorIs(t, ev.Err, ErrNoKnownPeers)
	})

	t.Run("not found", func(t *testing.T) {
		ctx := NewConfigurableTestContext(t, 3, nil)
		n := ctx.Nodes[0]

		ev := awaitQuery(t, n, n.GetRecord(types.RecordKey("missing"), types.QuorumOne()))
		require.Equal(t, events.QueryFailed, ev.Kind)
		assert.ErrorIs(t, ev.Err, ErrNotFound)
		assert.Equal(t, events.QueryGet, ev.Query)
	})

	t.Run("quorum not reached reports the value seen", func(t *testing.T) {
		ctx := NewConfigurableTestContext(t, 2, nil)
		n1, n2 := ctx.Nodes[0], ctx.Nodes[1]

		ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("k"), []byte("v"), types.QuorumOne()))
		require.Equal(t, events.PutComplete, ev.Kind)

		//two holders exist but five confirmations are asked for
		ev = awaitQuery(t, n2, n2.GetRecord(types.RecordKey("k"), types.QuorumN(5)))
		require.Equal(t, events.QueryFailed, ev.Kind)
		assert.ErrorIs(t, ev.Err, ErrQuorumFailed)
		require.NotNil(t, ev.Record)
		assert.Equal(t, "v", string(ev.Record.Value))
		assert.Equal(t, 2, ev.Confirmations)
		assert.Equal(t, 5, ev.Required)
	})
}

func Test_Get_Record_Quorum_Measured_Against_Reachable_Holders(t *testing.T) {

	//three fully connected nodes all holding the record
	ctx := NewConfigurableTestContext(t, 3, nil)
	n1 := ctx.Nodes[0]
	ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("k"), []byte("v"), types.QuorumAll()))
	require.Equal(t, events.PutComplete, ev.Kind)
	require.Equal(t, events.Succeeded, ev.Outcome)

	//a fourth node that holds nothing itself, connected to all three
	reader := ctx.AddNode(t, ctx.Config)
	for _, n := range ctx.Nodes[:3] {
		connect(t, reader, n)
	}
	_, ok := reader.LocalRecord(types.RecordKey("k"))
	require.False(t, ok)

	t.Run("all", func(t *testing.T) {
		ev := awaitQuery(t, reader, reader.GetRecord(types.RecordKey("k"), types.QuorumAll()))
		require.Equal(t, events.FoundRecord, ev.Kind)
		assert.Equal(t, events.Succeeded, ev.Outcome)
		assert.Equal(t, "v", string(ev.Record.Value))
		assert.Equal(t, 3, ev.Confirmations)
		assert.Equal(t, 3, ev.Required)
	})

	t.Run("majority", func(t *testing.T) {
		ev := awaitQuery(t, reader, reader.GetRecord(types.RecordKey("k"), types.QuorumMajority()))
		require.Equal(t, events.FoundRecord, ev.Kind)
		assert.Equal(t, events.Succeeded, ev.Outcome)
		assert.Equal(t, 2, ev.Required)
		assert.GreaterOrEqual(t, ev.Confirmations, 2)
	})
}

func Test_Get_Record_Quorum_All_Fails_When_A_Reachable_Peer_Lacks_The_Value(t *testing.T) {

	//only two of three nodes hold the record
	ctx := NewConfigurableTestContext(t, 3, nil)
	for _, n := range ctx.Nodes[:2] {
		require.NoError(t, n.store.Put(store.Record{Key: types.RecordKey("k"), Value: []byte("v")}))
	}

	reader := ctx.AddNode(t, ctx.Config)
	for _, n := range ctx.Nodes[:3] {
		connect(t, reader, n)
	}

	ev := awaitQuery(t, reader, reader.GetRecord(types.RecordKey("k"), types.QuorumAll()))
	require.Equal(t, events.QueryFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrQuorumFailed)
	assert.Equal(t, 2, ev.Confirmations)
	assert.Equal(t, 3, ev.Required)

	//two of three is still a majority
	ev = awaitQuery(t, reader, reader.GetRecord(types.RecordKey("k"), types.QuorumMajority()))
	require.Equal(t, events.FoundRecord, ev.Kind)
	assert.Equal(t, 2, ev.Confirmations)
	assert.Equal(t, 2, ev.Required)
}

func Test_Put_Record_Quorum_Outcomes(t *testing.T) {

	//three regular nodes plus one that rejects every value as too large
	ctx := NewConfigurableTestContext(t, 3, nil)
	rejecting := *ctx.Config
	rejecting.Store.MaxValueBytes = 1
	bad := ctx.AddNode(t, &rejecting)
	for _, n := range ctx.Nodes[:3] {
		connect(t, n, bad)
	}
	n1 := ctx.Nodes[0]

	t.Run("all", func(t *testing.T) {
		ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("all"), []byte("value"), types.QuorumAll()))
		require.Equal(t, events.PutComplete, ev.Kind)
		assert.Equal(t, events.PartiallySucceeded, ev.Outcome)
		assert.Equal(t, 2, ev.Confirmations)
		assert.Equal(t, 3, ev.Required)
		assert.Equal(t, []types.PeerID{bad.ID()}, ev.FailedPeers)
	})

	t.Run("n", func(t *testing.T) {
		ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("two"), []byte("value"), types.QuorumN(2)))
		require.Equal(t, events.PutComplete, ev.Kind)
		assert.Equal(t, events.Succeeded, ev.Outcome)
		assert.Equal(t, 2, ev.Confirmations)
		assert.Equal(t, 2, ev.Required)
	})

	t.Run("majority", func(t *testing.T) {
		ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("most"), []byte("value"), types.QuorumMajority()))
		require.Equal(t, events.PutComplete, ev.Kind)
		assert.Equal(t, events.Succeeded, ev.Outcome)
		assert.Equal(t, 2, ev.Required)
	})
}

func Test_Put_Record_Strict_Quorum_Fails(t *testing.T) {

	ctx := NewConfigurableTestContext(t, 2, nil)
	rejecting := *ctx.Config
	rejecting.Store.MaxValueBytes = 1
	bad := ctx.AddNode(t, &rejecting)

	strict := *ctx.Config
	strict.StrictQuorum = true
	publisher := ctx.AddNode(t, &strict)
	for _, n := range []*Node{ctx.Nodes[0], ctx.Nodes[1], bad} {
		connect(t, publisher, n)
	}

	ev := awaitQuery(t, publisher, publisher.PutRecord(types.RecordKey("k"), []byte("value"), types.QuorumAll()))
	require.Equal(t, events.QueryFailed, ev.Kind)
	assert.Equal(t, events.Failed, ev.Outcome)
	assert.ErrorIs(t, ev.Err, ErrQuorumFailed)
	assert.Equal(t, 2, ev.Confirmations)
	assert.Equal(t, 3, ev.Required)
	assert.Equal(t, []types.PeerID{bad.ID()}, ev.FailedPeers)
}

func Test_Put_Record_With_No_Confirmations_Fails(t *testing.T) {

	ctx := NewConfigurableTestContext(t, 1, nil)
	rejecting := *ctx.Config
	rejecting.Store.MaxValueBytes = 1
	bad := ctx.AddNode(t, &rejecting)
	n := ctx.Nodes[0]
	connect(t, n, bad)

	ev := awaitQuery(t, n, n.PutRecord(types.RecordKey("k"), []byte("value"), types.QuorumOne()))
	require.Equal(t, events.QueryFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrQuorumFailed)
	assert.Zero(t, ev.Confirmations)
}

func Test_Lookup_Tolerates_Unreachable_Peers(t *testing.T) {

	ctx := NewConfigurableTestContext(t, 4, nil)
	n1, n2, n3, n4 := ctx.Nodes[0], ctx.Nodes[1], ctx.Nodes[2], ctx.Nodes[3]

	ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("k"), []byte("v"), types.QuorumAll()))
	require.Equal(t, events.PutComplete, ev.Kind)
	require.Equal(t, events.Succeeded, ev.Outcome)

	//a fresh node knowing everyone, then two of them go dark: one refuses, one never answers
	late := ctx.AddNode(t, ctx.Config)
	for _, n := range ctx.Nodes[:4] {
		connect(t, late, n)
	}
	ctx.Network.SetUnreachable(n2.ListenAddrs()[0], true)
	ctx.Network.SetSilent(n3.ListenAddrs()[0], true)

	ev = awaitQuery(t, late, late.GetRecord(types.RecordKey("k"), types.QuorumN(2)))
	require.Equal(t, events.FoundRecord, ev.Kind)
	assert.Equal(t, "v", string(ev.Record.Value))

	//a full lookup has to wait out the silent peer and still terminate
	ev = awaitQuery(t, late, late.Bootstrap())
	require.Equal(t, events.BootstrapComplete, ev.Kind)

	//a single failed round does not evict anyone
	for _, n := range []*Node{n1, n2, n3, n4} {
		assert.True(t, late.rtContains(n.ID()), "peer %s evicted early", n.ID().Short())
	}
}

func Test_Unresponsive_Peer_Dropped_After_Consecutive_Failures(t *testing.T) {

	ctx := NewConfigurableTestContext(t, 2, nil)
	n1, n2 := ctx.Nodes[0], ctx.Nodes[1]
	awaitEvent(t, n1, func(ev events.Event) bool {
		return ev.Kind == events.ConnectionEstablished && ev.Peer == n2.ID()
	})

	ctx.Network.SetUnreachable(n2.ListenAddrs()[0], true)

	for i := 0; i < ctx.Config.MaxConsecutiveFailures; i++ {
		ev := awaitQuery(t, n1, n1.GetRecord(types.RecordKey("k"), types.QuorumOne()))
		require.Equal(t, events.QueryFailed, ev.Kind)
		assert.ErrorIs(t, ev.Err, ErrPeersUnreachable)
	}

	assert.False(t, n1.rtContains(n2.ID()))
	ev := awaitQuery(t, n1, n1.GetRecord(types.RecordKey("k"), types.QuorumOne()))
	assert.ErrorIs(t, ev.Err, ErrNoKnownPeers)
}

func Test_Connection_Events(t *testing.T) {

	ctx := NewDefaultTestContext(t)
	n1, n2 := ctx.Nodes[0], ctx.Nodes[1]

	//the first event of a node is its listen address
	first := awaitEvent(t, n1, func(events.Event) bool { return true })
	require.Equal(t, events.NewListenAddr, first.Kind)
	assert.True(t, first.Addr.Equal(n1.ListenAddrs()[0]))

	awaitEvent(t, n1, func(ev events.Event) bool {
		return ev.Kind == events.ConnectionEstablished && ev.Peer == n2.ID()
	})
	awaitEvent(t, n2, func(ev events.Event) bool {
		return ev.Kind == events.ConnectionEstablished && ev.Peer == n1.ID()
	})

	//closing node 2 tears down node 1's connection to it
	require.NoError(t, n2.Close())
	awaitEvent(t, n1, func(ev events.Event) bool {
		return ev.Kind == events.ConnectionClosed && ev.Peer == n2.ID()
	})

	//whatever was already buffered drains first, then the stream reports closure
	for {
		_, err := n2.NextEvent(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			break
		}
	}
}

func Test_Bootstrap_Populates_Routing_Table(t *testing.T) {

	//a star: every node only knows the hub
	ctx := NewConfigurableTestContext(t, 1, nil)
	hub := ctx.Nodes[0]
	for i := 0; i < 4; i++ {
		connect(t, ctx.AddNode(t, ctx.Config), hub)
	}
	last := ctx.Nodes[4]
	require.Len(t, last.KnownPeers(), 1)

	ev := awaitQuery(t, last, last.Bootstrap())
	require.Equal(t, events.BootstrapComplete, ev.Kind)
	assert.Equal(t, 4, ev.PeerCount)
	assert.Len(t, last.KnownPeers(), 4)
}

func Test_Auto_Bootstrap_On_First_Connection(t *testing.T) {

	ctx := NewConfigurableTestContext(t, 1, nil)
	hub := ctx.Nodes[0]
	for i := 0; i < 3; i++ {
		connect(t, ctx.AddNode(t, ctx.Config), hub)
	}

	auto := *ctx.Config
	auto.AutoBootstrap = true
	joiner := ctx.AddNode(t, &auto)
	connect(t, joiner, hub)

	ev := awaitEvent(t, joiner, func(ev events.Event) bool { return ev.Kind == events.BootstrapComplete })
	assert.Equal(t, 4, ev.PeerCount)
	assert.Equal(t, events.QueryBootstrap, ev.Query)
}

func Test_Providers_Discovered_Through_Bridge(t *testing.T) {

	ctx := NewConfigurableTestContext(t, 0, nil)
	a := ctx.AddNode(t, ctx.Config)
	b := ctx.AddNode(t, ctx.Config)
	c := ctx.AddNode(t, ctx.Config)
	d := ctx.AddNode(t, ctx.Config)

	//node A learns of B and C only through the discovery bridge
	source := discovery.Static(
		types.PeerAddr{ID: b.ID(), Addr: b.ListenAddrs()[0]},
		types.PeerAddr{ID: c.ID(), Addr: c.ListenAddrs()[0]},
	)
	bridge := discovery.NewBridge(source, a.Discoveries(), zaptest.NewLogger(t))
	require.NoError(t, bridge.Run(context.Background()))

	discovered := map[types.PeerID]bool{}
	awaitEvent(t, a, func(ev events.Event) bool {
		if ev.Kind == events.PeerDiscovered {
			discovered[ev.Peer] = true
		}
		return len(discovered) == 2
	})
	assert.True(t, discovered[b.ID()])
	assert.True(t, discovered[c.ID()])

	//the discovery dial lets B and C learn A in turn
	require.Eventually(t, func() bool {
		return b.rtContains(a.ID()) && c.rtContains(a.ID())
	}, 5*time.Second, 10*time.Millisecond)

	ev := awaitQuery(t, a, a.StartProviding(types.RecordKey("mykey"), types.QuorumOne()))
	require.Equal(t, events.ProvideComplete, ev.Kind)
	assert.Equal(t, events.Succeeded, ev.Outcome)

	//D only knows B, bootstraps, then asks for providers
	connect(t, d, b)
	ev = awaitQuery(t, d, d.Bootstrap())
	require.Equal(t, events.BootstrapComplete, ev.Kind)

	ev = awaitQuery(t, d, d.GetProviders(types.RecordKey("mykey")))
	require.Equal(t, events.FoundProviders, ev.Kind)
	var ids []types.PeerID
	for _, p := range ev.Providers {
		ids = append(ids, p.ID)
		if p.ID == a.ID() {
			assert.NotEmpty(t, p.Addrs)
		}
	}
	assert.Contains(t, ids, a.ID())
}

func Test_Get_Providers_Not_Found(t *testing.T) {

	ctx := NewConfigurableTestContext(t, 3, nil)
	n := ctx.Nodes[0]

	ev := awaitQuery(t, n, n.GetProviders(types.RecordKey("nobody")))
	require.Equal(t, events.QueryFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrNotFound)
	assert.Equal(t, events.QueryGetProviders, ev.Query)
}

func Test_Event_Listener_Observes_Query_Events(t *testing.T) {

	ctx := NewDefaultTestContext(t)
	n1 := ctx.Nodes[0]

	seen := make(chan events.Event, 64)
	n1.AddEventListener(events.EventListenerFunc(func(ev events.Event) {
		if ev.Kind.IsQueryEvent() {
			seen <- ev
		}
	}))

	id := n1.PutRecord(types.RecordKey("k"), []byte("v"), types.QuorumOne())
	select {
	case ev := <-seen:
		assert.Equal(t, id, ev.QueryID)
		assert.Equal(t, events.PutComplete, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never saw the PUT complete")
	}
}

func Test_Put_And_Get_Record_Over_TCP(t *testing.T) {

	cfg := testConfig()
	cfg.UseProtobuf = false
	n1 := newTCPTestNode(t, cfg)
	n2 := newTCPTestNode(t, cfg)
	connect(t, n1, n2)

	ev := awaitQuery(t, n1, n1.PutRecord(types.RecordKey("tcp"), []byte("works"), types.QuorumOne()))
	require.Equal(t, events.PutComplete, ev.Kind)
	require.Equal(t, events.Succeeded, ev.Outcome)

	rec, ok := n2.LocalRecord(types.RecordKey("tcp"))
	require.True(t, ok)
	assert.Equal(t, "works", string(rec.Value))
	assert.False(t, rec.Expires.IsZero())
}

func Test_Janitor_Purges_Expired_Records(t *testing.T) {

	cfg := testConfig()
	cfg.JanitorInterval = 20 * time.Millisecond
	ctx := NewConfigurableTestContext(t, 1, cfg)
	n := ctx.Nodes[0]

	require.NoError(t, n.store.Put(store.Record{
		Key:     types.RecordKey("old"),
		Value:   []byte("v"),
		Expires: time.Now().Add(30 * time.Millisecond),
	}))

	require.Eventually(t, func() bool { return n.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

/*****************************************************************************************************************
 *                                     HELPER/UTILITY TYPES AND FUNCTIONS FOR E2E TESTS
 ******************************************************************************************************************/

// TestContext is used to hold context info for e2e tests
type TestContext struct {
	Network *netx.MemoryNetwork
	Config  *config.Config
	Nodes   []*Node
}

// testConfig - Defaults tightened for tests: short timeouts, no automatic bootstrap.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RequestTimeout = 250 * time.Millisecond
	cfg.QueryTimeout = 5 * time.Second
	cfg.AutoBootstrap = false
	cfg.Discovery.Enabled = false
	return cfg
}

// NewDefaultTestContext creates a new default test context with two connected nodes
func NewDefaultTestContext(t *testing.T) *TestContext {
	t.Helper()
	return NewConfigurableTestContext(t, 2, nil)
}

// NewConfigurableTestContext creates nodeCount nodes on a fresh memory network and
// connects every pair. A nil cfg selects testConfig().
func NewConfigurableTestContext(t *testing.T, nodeCount int, cfg *config.Config) *TestContext {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	ctx := &TestContext{
		Network: netx.NewMemoryNetwork(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))),
		Config:  cfg,
	}
	for i := 0; i < nodeCount; i++ {
		ctx.AddNode(t, cfg)
	}

	//connecting from one side is enough, the callee records the caller
	for i := 0; i < nodeCount; i++ {
		for j := i + 1; j < nodeCount; j++ {
			connect(t, ctx.Nodes[i], ctx.Nodes[j])
		}
	}
	return ctx
}

// AddNode - Starts a node on the context's network. It is closed on test cleanup.
func (c *TestContext) AddNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n := newTestNode(t, c.Network.NewTransport(), cfg)
	_, err := n.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	c.Nodes = append(c.Nodes, n)
	return n
}

func newTestNode(t *testing.T, transport netx.Transport, cfg *config.Config) *Node {
	t.Helper()
	ident, err := types.GenerateIdentity()
	require.NoError(t, err)

	n := NewNode(ident, transport, cfg, WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))))
	t.Cleanup(func() { n.Close() })
	return n
}

func newTCPTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	transport := netx.NewTCP(netx.Options{Logger: zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))})
	n := newTestNode(t, transport, cfg)
	_, err := n.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	return n
}

// connect - Dials to from from and checks the expected peer answered.
func connect(t *testing.T, from, to *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := from.Connect(ctx, to.ListenAddrs()[0])
	require.NoError(t, err)
	require.Equal(t, to.ID(), id)
}

// awaitEvent - Consumes events from n until match accepts one, which is returned.
func awaitEvent(t *testing.T, n *Node, match func(events.Event) bool) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		ev, err := n.NextEvent(ctx)
		require.NoError(t, err)
		if match(ev) {
			return ev
		}
	}
}

// awaitQuery - Waits for the event that terminates query id.
func awaitQuery(t *testing.T, n *Node, id events.QueryID) events.Event {
	t.Helper()
	return awaitEvent(t, n, func(ev events.Event) bool {
		return ev.QueryID == id && ev.Kind.IsQueryEvent()
	})
}

// rtContains - Reports whether id is in n's routing table.
func (n *Node) rtContains(id types.PeerID) bool {
	return n.rt.Contains(id)
}
