package commons

import (
	"context"

	"github.com/SharefulNetworks/shareful-dkv/events"
	"github.com/SharefulNetworks/shareful-dkv/types"
)

// RouterLike - Provides the subset of the public interface methods exported by
// the dht.Node struct that an operator session needs. It allows the session to
// drive a router without importing the dht package, and to be tested against a fake.
type RouterLike interface {

	//GetRecord - Issues a GET for key, returning the id its completion event will carry.
	GetRecord(key types.RecordKey, quorum types.Quorum) events.QueryID

	//PutRecord - Issues a PUT of value under key.
	PutRecord(key types.RecordKey, value []byte, quorum types.Quorum) events.QueryID

	//GetProviders - Issues a provider lookup for key.
	GetProviders(key types.RecordKey) events.QueryID

	//StartProviding - Announces the local node as a provider of key.
	StartProviding(key types.RecordKey, quorum types.Quorum) events.QueryID

	//NextEvent - Blocks until the router has an event to report.
	NextEvent(ctx context.Context) (events.Event, error)
}
