package events

import (
	"fmt"

	"github.com/SharefulNetworks/shareful-dkv/store"
	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
)

// QueryID - Identifies a query issued against the router. Zero is never issued.
type QueryID uint64

// Kind - Tags the variant carried by an Event.
type Kind int

const (
	// connection level
	NewListenAddr Kind = iota + 1
	PeerDiscovered
	ConnectionEstablished
	ConnectionClosed
	RoutingUpdated

	// query completion
	FoundRecord
	FoundProviders
	PutComplete
	ProvideComplete
	BootstrapComplete
	QueryFailed
)

func (k Kind) String() string {
	switch k {
	case NewListenAddr:
		return "NewListenAddr"
	case PeerDiscovered:
		return "PeerDiscovered"
	case ConnectionEstablished:
		return "ConnectionEstablished"
	case ConnectionClosed:
		return "ConnectionClosed"
	case RoutingUpdated:
		return "RoutingUpdated"
	case FoundRecord:
		return "FoundRecord"
	case FoundProviders:
		return "FoundProviders"
	case PutComplete:
		return "PutComplete"
	case ProvideComplete:
		return "ProvideComplete"
	case BootstrapComplete:
		return "BootstrapComplete"
	case QueryFailed:
		return "QueryFailed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsQueryEvent - Reports whether events of this kind terminate a query.
func (k Kind) IsQueryEvent() bool {
	return k >= FoundRecord
}

// Outcome - The terminal state reached by a query.
type Outcome int

const (
	Succeeded Outcome = iota + 1
	PartiallySucceeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case PartiallySucceeded:
		return "partially succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// QueryKind - The operation a query performs.
type QueryKind int

const (
	QueryGet QueryKind = iota + 1
	QueryPut
	QueryGetProviders
	QueryProvide
	QueryBootstrap
)

func (q QueryKind) String() string {
	switch q {
	case QueryGet:
		return "GET"
	case QueryPut:
		return "PUT"
	case QueryGetProviders:
		return "GET_PROVIDERS"
	case QueryProvide:
		return "PUT_PROVIDER"
	case QueryBootstrap:
		return "BOOTSTRAP"
	default:
		return "UNKNOWN"
	}
}

// Event - A single router event. Kind selects which of the remaining fields are set:
//
//	NewListenAddr          Addr
//	PeerDiscovered         Peer, Addr
//	ConnectionEstablished  Peer, Addr
//	ConnectionClosed       Peer
//	RoutingUpdated         Peer, Addr
//	FoundRecord            QueryID, Query, Key, Record, Confirmations, Required
//	FoundProviders         QueryID, Query, Key, Providers
//	PutComplete            QueryID, Query, Key, Outcome, Confirmations, Required, FailedPeers
//	ProvideComplete        QueryID, Query, Key, Outcome, Confirmations, Required, FailedPeers
//	BootstrapComplete      QueryID, Query, PeerCount
//	QueryFailed            QueryID, Query, Key, Err, and Record when a below quorum value was seen
type Event struct {
	Kind    Kind
	QueryID QueryID
	Query   QueryKind
	Key     types.RecordKey

	Record    *store.Record
	Providers []types.AddrInfo

	Peer types.PeerID
	Addr ma.Multiaddr

	Outcome       Outcome
	Confirmations int
	Required      int
	FailedPeers   []types.PeerID
	PeerCount     int
	Err           error
}
