package wire

import (
	"fmt"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/encoding/protowire"
)

// ---------------- Protobuf codec ----------------
//
// Messages are encoded with the protobuf wire format directly. The schema is:
//
//	message Message {
//	  int32 op = 1; uint64 req_id = 2; bool is_response = 3;
//	  bytes from = 4; repeated bytes from_addrs = 5; bytes key = 6;
//	  Record record = 7; repeated Peer closer = 8; repeated Peer providers = 9;
//	  bool ok = 10; string err = 11;
//	}
//	message Record { bytes key = 1; bytes value = 2; bytes publisher = 3; int64 ttl_ms = 4; }
//	message Peer { bytes id = 1; repeated bytes addrs = 2; }
//
// Addresses travel in their binary multiaddr form. Unknown fields are skipped.

type ProtobufCodec struct{}

const (
	fieldOp         protowire.Number = 1
	fieldReqID      protowire.Number = 2
	fieldIsResponse protowire.Number = 3
	fieldFrom       protowire.Number = 4
	fieldFromAddrs  protowire.Number = 5
	fieldKey        protowire.Number = 6
	fieldRecord     protowire.Number = 7
	fieldCloser     protowire.Number = 8
	fieldProviders  protowire.Number = 9
	fieldOK         protowire.Number = 10
	fieldErr        protowire.Number = 11

	recordKey       protowire.Number = 1
	recordValue     protowire.Number = 2
	recordPublisher protowire.Number = 3
	recordTTL       protowire.Number = 4

	peerID    protowire.Number = 1
	peerAddrs protowire.Number = 2
)

func (ProtobufCodec) Name() string { return "protobuf" }

func (ProtobufCodec) Encode(m *Message) ([]byte, error) {
	b := make([]byte, 0, 128)
	b = appendVarintField(b, fieldOp, uint64(m.Op))
	b = appendVarintField(b, fieldReqID, m.ReqID)
	if m.IsResponse {
		b = appendVarintField(b, fieldIsResponse, 1)
	}
	b = appendBytesField(b, fieldFrom, m.From[:])
	for _, a := range m.FromAddrs {
		b = appendBytesField(b, fieldFromAddrs, a.Bytes())
	}
	if len(m.Key) > 0 {
		b = appendBytesField(b, fieldKey, m.Key)
	}
	if m.Record != nil {
		b = appendBytesField(b, fieldRecord, encodeRecord(m.Record))
	}
	for _, p := range m.Closer {
		b = appendBytesField(b, fieldCloser, encodePeer(p))
	}
	for _, p := range m.Providers {
		b = appendBytesField(b, fieldProviders, encodePeer(p))
	}
	if m.OK {
		b = appendVarintField(b, fieldOK, 1)
	}
	if m.Err != "" {
		b = protowire.AppendTag(b, fieldErr, protowire.BytesType)
		b = protowire.AppendString(b, m.Err)
	}
	return b, nil
}

func (ProtobufCodec) Decode(b []byte) (*Message, error) {
	m := &Message{}
	var sawFrom bool

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error {
		switch num {
		case fieldOp:
			m.Op = Op(v)
		case fieldReqID:
			m.ReqID = v
		case fieldIsResponse:
			m.IsResponse = protowire.DecodeBool(v)
		case fieldFrom:
			id, err := types.PeerIDFromBytes(data)
			if err != nil {
				return err
			}
			m.From = id
			sawFrom = true
		case fieldFromAddrs:
			a, err := ma.NewMultiaddrBytes(clone(data))
			if err != nil {
				return err
			}
			m.FromAddrs = append(m.FromAddrs, a)
		case fieldKey:
			m.Key = clone(data)
		case fieldRecord:
			r, err := decodeRecord(data)
			if err != nil {
				return err
			}
			m.Record = r
		case fieldCloser, fieldProviders:
			p, err := decodePeer(data)
			if err != nil {
				return err
			}
			if num == fieldCloser {
				m.Closer = append(m.Closer, p)
			} else {
				m.Providers = append(m.Providers, p)
			}
		case fieldOK:
			m.OK = protowire.DecodeBool(v)
		case fieldErr:
			m.Err = string(data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !sawFrom {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	if !m.Op.Valid() {
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, m.Op)
	}
	return m, nil
}

func encodeRecord(r *Record) []byte {
	b := appendBytesField(nil, recordKey, r.Key)
	b = appendBytesField(b, recordValue, r.Value)
	if r.Publisher != nil {
		b = appendBytesField(b, recordPublisher, r.Publisher[:])
	}
	if r.TTL > 0 {
		b = appendVarintField(b, recordTTL, uint64(r.TTL.Milliseconds()))
	}
	return b
}

func decodeRecord(b []byte) (*Record, error) {
	r := &Record{}
	err := consumeFields(b, func(num protowire.Number, _ protowire.Type, v uint64, data []byte) error {
		switch num {
		case recordKey:
			r.Key = clone(data)
		case recordValue:
			r.Value = clone(data)
		case recordPublisher:
			id, err := types.PeerIDFromBytes(data)
			if err != nil {
				return err
			}
			r.Publisher = &id
		case recordTTL:
			r.TTL = time.Duration(int64(v)) * time.Millisecond
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Value == nil {
		r.Value = []byte{}
	}
	return r, nil
}

func encodePeer(p types.AddrInfo) []byte {
	b := appendBytesField(nil, peerID, p.ID[:])
	for _, a := range p.Addrs {
		b = appendBytesField(b, peerAddrs, a.Bytes())
	}
	return b
}

func decodePeer(b []byte) (types.AddrInfo, error) {
	var p types.AddrInfo
	var sawID bool
	err := consumeFields(b, func(num protowire.Number, _ protowire.Type, _ uint64, data []byte) error {
		switch num {
		case peerID:
			id, err := types.PeerIDFromBytes(data)
			if err != nil {
				return err
			}
			p.ID = id
			sawID = true
		case peerAddrs:
			a, err := ma.NewMultiaddrBytes(clone(data))
			if err != nil {
				return err
			}
			p.Addrs = append(p.Addrs, a)
		}
		return nil
	})
	if err == nil && !sawID {
		err = fmt.Errorf("peer entry without id")
	}
	return p, err
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields - Walks every field in b. Varint fields are reported through v,
// length delimited fields through data; any other wire type is skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, 0, data); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}
