package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
)

// ErrMalformed - Returned when a frame cannot be decoded into a Message.
var ErrMalformed = errors.New("wire: malformed message")

// Message - A single request or response exchanged between peers.
// Requests and responses are one-way messages correlated by ReqID; the
// response is sent to one of the requester's FromAddrs.
type Message struct {
	Op         Op
	ReqID      uint64
	IsResponse bool
	From       types.PeerID
	FromAddrs  []ma.Multiaddr

	Key       []byte
	Record    *Record
	Closer    []types.AddrInfo
	Providers []types.AddrInfo

	OK  bool
	Err string
}

// Record - The wire form of a stored record. TTL is the remaining lifetime, zero for none.
type Record struct {
	Key       []byte
	Value     []byte
	Publisher *types.PeerID
	TTL       time.Duration
}

// Codec defines the interface for encoding/decoding DHT messages.
type Codec interface {
	Name() string
	Encode(m *Message) ([]byte, error)
	Decode(b []byte) (*Message, error)
}

// CodecFor - Returns the protobuf codec, or the JSON codec when useProtobuf is false.
func CodecFor(useProtobuf bool) Codec {
	if useProtobuf {
		return ProtobufCodec{}
	}
	return JSONCodec{}
}

// ---------------- JSON codec ----------------

type JSONCodec struct{}

type jsonMessage struct {
	Op         int         `json:"op"`
	ReqID      uint64      `json:"req_id"`
	IsResponse bool        `json:"is_response,omitempty"`
	From       string      `json:"from_id"`
	FromAddrs  []string    `json:"from_addrs,omitempty"`
	Key        []byte      `json:"key,omitempty"`
	Record     *jsonRecord `json:"record,omitempty"`
	Closer     []jsonPeer  `json:"closer,omitempty"`
	Providers  []jsonPeer  `json:"providers,omitempty"`
	OK         bool        `json:"ok,omitempty"`
	Err        string      `json:"err,omitempty"`
}

type jsonRecord struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value"`
	Publisher string `json:"publisher,omitempty"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
}

type jsonPeer struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs,omitempty"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(m *Message) ([]byte, error) {
	env := jsonMessage{
		Op:         int(m.Op),
		ReqID:      m.ReqID,
		IsResponse: m.IsResponse,
		From:       m.From.String(),
		FromAddrs:  types.AddrStrings(m.FromAddrs),
		Key:        m.Key,
		Closer:     toJSONPeers(m.Closer),
		Providers:  toJSONPeers(m.Providers),
		OK:         m.OK,
		Err:        m.Err,
	}
	if r := m.Record; r != nil {
		env.Record = &jsonRecord{Key: r.Key, Value: r.Value, TTLMillis: r.TTL.Milliseconds()}
		if r.Publisher != nil {
			env.Record.Publisher = r.Publisher.String()
		}
	}
	return json.Marshal(&env)
}

func (JSONCodec) Decode(b []byte) (*Message, error) {
	var env jsonMessage
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	from, err := types.ParsePeerID(env.From)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := &Message{
		Op:         Op(env.Op),
		ReqID:      env.ReqID,
		IsResponse: env.IsResponse,
		From:       from,
		Key:        env.Key,
		OK:         env.OK,
		Err:        env.Err,
	}
	if m.FromAddrs, err = parseAddrStrings(env.FromAddrs); err != nil {
		return nil, err
	}
	if r := env.Record; r != nil {
		m.Record = &Record{Key: r.Key, Value: r.Value, TTL: time.Duration(r.TTLMillis) * time.Millisecond}
		if r.Publisher != "" {
			pub, err := types.ParsePeerID(r.Publisher)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			m.Record.Publisher = &pub
		}
	}
	if m.Closer, err = fromJSONPeers(env.Closer); err != nil {
		return nil, err
	}
	if m.Providers, err = fromJSONPeers(env.Providers); err != nil {
		return nil, err
	}
	if !m.Op.Valid() {
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, env.Op)
	}
	return m, nil
}

func toJSONPeers(in []types.AddrInfo) []jsonPeer {
	if len(in) == 0 {
		return nil
	}
	out := make([]jsonPeer, 0, len(in))
	for _, p := range in {
		out = append(out, jsonPeer{ID: p.ID.String(), Addrs: types.AddrStrings(p.Addrs)})
	}
	return out
}

func fromJSONPeers(in []jsonPeer) ([]types.AddrInfo, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]types.AddrInfo, 0, len(in))
	for _, p := range in {
		id, err := types.ParsePeerID(p.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		addrs, err := parseAddrStrings(p.Addrs)
		if err != nil {
			return nil, err
		}
		out = append(out, types.AddrInfo{ID: id, Addrs: addrs})
	}
	return out, nil
}

func parseAddrStrings(in []string) ([]ma.Multiaddr, error) {
	if len(in) == 0 {
		return nil, nil
	}
	addrs, errs := types.ParseAddrs(in)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, errors.Join(errs...))
	}
	return addrs, nil
}
