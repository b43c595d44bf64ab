package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/store"
	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRouter - Records submitted operations and replays scripted events.
type fakeRouter struct {
	mu     sync.Mutex
	calls  []string
	events chan events.Event
	err    error
	seq    events.QueryID
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{events: make(chan events.Event, 16)}
}

func (f *fakeRouter) record(call string) events.QueryID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.seq++
	return f.seq
}

func (f *fakeRouter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRouter) GetRecord(key types.RecordKey, q types.Quorum) events.QueryID {
	return f.record("GET " + key.String() + " " + q.String())
}

func (f *fakeRouter) PutRecord(key types.RecordKey, value []byte, q types.Quorum) events.QueryID {
	return f.record("PUT " + key.String() + " " + string(value) + " " + q.String())
}

func (f *fakeRouter) GetProviders(key types.RecordKey) events.QueryID {
	return f.record("GET_PROVIDERS " + key.String())
}

func (f *fakeRouter) StartProviding(key types.RecordKey, q types.Quorum) events.QueryID {
	return f.record("PUT_PROVIDER " + key.String() + " " + q.String())
}

func (f *fakeRouter) NextEvent(ctx context.Context) (events.Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return events.Event{}, f.err
		}
		return ev, nil
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

// syncBuffer - A bytes.Buffer safe to read while the session writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testSession struct {
	router *fakeRouter
	stdout *syncBuffer
	stderr *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func startSession(t *testing.T, input string) *testSession {
	t.Helper()
	ts := &testSession{
		router: newFakeRouter(),
		stdout: &syncBuffer{},
		stderr: &syncBuffer{},
		done:   make(chan error, 1),
	}
	s := New(ts.router, strings.NewReader(input), ts.stdout, ts.stderr, Options{
		GetQuorum:     types.QuorumOne(),
		PutQuorum:     types.QuorumMajority(),
		ProvideQuorum: types.QuorumOne(),
		Logger:        zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	go func() { ts.done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ts.done
	})
	return ts
}

func Test_Session_Submits_Parsed_Commands(t *testing.T) {
	ts := startSession(t, "PUT k v\nGET k\n\nGET_PROVIDERS k\nPUT_PROVIDER k\n")

	require.Eventually(t, func() bool { return len(ts.router.Calls()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"PUT k v majority",
		"GET k one",
		"GET_PROVIDERS k",
		"PUT_PROVIDER k one",
	}, ts.router.Calls())
	assert.Empty(t, ts.stderr.String())
}

func Test_Session_Reports_Parse_Errors_Without_Touching_Router(t *testing.T) {
	ts := startSession(t, "PUT k\nGET\nFOO\n")

	require.Eventually(t, func() bool {
		return strings.Count(ts.stderr.String(), "\n") == 3
	}, 2*time.Second, 10*time.Millisecond)

	lines := strings.Split(strings.TrimSpace(ts.stderr.String()), "\n")
	assert.Equal(t, "Missing value for PUT", lines[0])
	assert.Equal(t, "Missing key for GET", lines[1])
	assert.Equal(t, "Unknown command, expected one of: GET, PUT, GET_PROVIDERS, PUT_PROVIDER", lines[2])
	assert.Empty(t, ts.router.Calls())
}

func Test_Session_Keeps_Draining_Events_After_End_Of_Input(t *testing.T) {
	ts := startSession(t, "")
	peer := types.PeerID{1}

	//input is already exhausted; events must still be reported
	time.Sleep(20 * time.Millisecond)
	ts.router.events <- events.Event{Kind: events.ConnectionEstablished, Peer: peer}

	require.Eventually(t, func() bool {
		return strings.Contains(ts.stdout.String(), "Connection established with peer "+peer.String())
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_Session_Prints_Events(t *testing.T) {
	peer := types.PeerID{7}
	addr := ma.StringCast("/ip4/127.0.0.1/tcp/4001")
	key := types.RecordKey("k")

	tests := []struct {
		name   string
		ev     events.Event
		stdout string
		stderr string
	}{
		{"listen", events.Event{Kind: events.NewListenAddr, Addr: addr}, "Listening on /ip4/127.0.0.1/tcp/4001\n", ""},
		{"discovered", events.Event{Kind: events.PeerDiscovered, Peer: peer, Addr: addr}, "Discovered peer " + peer.String() + " at /ip4/127.0.0.1/tcp/4001\n", ""},
		{"closed", events.Event{Kind: events.ConnectionClosed, Peer: peer}, "Connection closed with peer " + peer.String() + "\n", ""},
		{"found record", events.Event{Kind: events.FoundRecord, Key: key, Record: &store.Record{Key: key, Value: []byte("v")}}, "Found record for key k: v\n", ""},
		{"found providers", events.Event{Kind: events.FoundProviders, Key: key, Providers: []types.AddrInfo{{ID: peer}}}, "Found provider " + peer.String() + " for key k\n", ""},
		{"put", events.Event{Kind: events.PutComplete, Key: key, Outcome: events.Succeeded}, "Put record k\n", ""},
		{"provide", events.Event{Kind: events.ProvideComplete, Key: key, Outcome: events.Succeeded}, "Started providing k\n", ""},
		{"bootstrap", events.Event{Kind: events.BootstrapComplete, PeerCount: 3}, "Bootstrap complete with 3 peers\n", ""},
		{"partial put", events.Event{
			Kind: events.PutComplete, Key: key, Outcome: events.PartiallySucceeded,
			Confirmations: 1, Required: 2, FailedPeers: []types.PeerID{peer},
		}, "", "PUT for key k only partially succeeded: 1 of 2 confirmations, failed peers: " + peer.String() + "\n"},
		{"get failed", events.Event{
			Kind: events.QueryFailed, Query: events.QueryGet, Key: key, Err: errors.New("not found"),
		}, "", "GET error for key k: not found\n"},
		{"bootstrap failed", events.Event{
			Kind: events.QueryFailed, Query: events.QueryBootstrap, Err: errors.New("no known peers"),
		}, "", "BOOTSTRAP error: no known peers\n"},
		{"routing updated is quiet", events.Event{Kind: events.RoutingUpdated, Peer: peer, Addr: addr}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			s := New(newFakeRouter(), strings.NewReader(""), &stdout, &stderr, Options{Logger: zaptest.NewLogger(t)})
			s.HandleEvent(tt.ev)
			assert.Equal(t, tt.stdout, stdout.String())
			assert.Equal(t, tt.stderr, stderr.String())
		})
	}
}

func Test_Session_Returns_When_Router_Stops(t *testing.T) {
	router := newFakeRouter()
	router.err = errors.New("router closed")
	close(router.events)

	s := New(router, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, Options{Logger: zaptest.NewLogger(t)})
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, router.err)
}
