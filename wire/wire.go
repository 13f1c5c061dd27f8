// Package wire defines the binary messages exchanged with a peer after the
// protocol upgrade, and the length-framed codec used to read and write them.
package wire

import (
	"fmt"

	"github.com/renproject/surge"
)

// Enumerate all supported MsgType values. The numeric values are fixed by the
// protocol being tested and must not be changed.
const (
	MsgTypeManifests    = MsgType(2)
	MsgTypePing         = MsgType(3)
	MsgTypeEndpoints    = MsgType(15)
	MsgTypeTransaction  = MsgType(30)
	MsgTypeGetLedger    = MsgType(31)
	MsgTypeLedgerData   = MsgType(32)
	MsgTypeStatusChange = MsgType(34)
)

// MsgType identifies the payload kind carried by a Msg.
type MsgType uint16

func (ty MsgType) String() string {
	switch ty {
	case MsgTypeManifests:
		return "manifests"
	case MsgTypePing:
		return "ping"
	case MsgTypeEndpoints:
		return "endpoints"
	case MsgTypeTransaction:
		return "transaction"
	case MsgTypeGetLedger:
		return "getLedger"
	case MsgTypeLedgerData:
		return "ledgerData"
	case MsgTypeStatusChange:
		return "statusChange"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(ty))
	}
}

// A Payload is the typed body of a Msg. Payloads are implemented by pointer
// types so that the codec can unmarshal into them in place.
type Payload interface {
	// Type returns the MsgType that identifies this payload on the wire.
	Type() MsgType

	SizeHint() int
	Marshal(buf []byte, rem int) ([]byte, int, error)
	Unmarshal(buf []byte, rem int) ([]byte, int, error)
}

// Msg pairs a MsgType with its Payload. The Type must always agree with the
// dynamic type of the Payload; use NewMsg to guarantee this.
type Msg struct {
	Type    MsgType
	Payload Payload
}

// NewMsg returns a Msg whose type tag is taken from the payload itself.
func NewMsg(payload Payload) Msg {
	if payload == nil {
		panic("invariant violation: payload cannot be nil")
	}
	return Msg{Type: payload.Type(), Payload: payload}
}

// emptyPayload returns a zero payload for the given type, ready to be
// unmarshaled into.
func emptyPayload(ty MsgType) (Payload, error) {
	switch ty {
	case MsgTypeManifests:
		return &Manifests{}, nil
	case MsgTypePing:
		return &Ping{}, nil
	case MsgTypeEndpoints:
		return &Endpoints{}, nil
	case MsgTypeTransaction:
		return &Transaction{}, nil
	case MsgTypeGetLedger:
		return &GetLedger{}, nil
	case MsgTypeLedgerData:
		return &LedgerData{}, nil
	case MsgTypeStatusChange:
		return &StatusChange{}, nil
	default:
		return nil, newErrMsgTypeNotSupported(ty)
	}
}

// Enumerate the ping subtypes.
const (
	PingTypePing = uint8(0)
	PingTypePong = uint8(1)
)

// Ping is a liveness probe, or the response to one when its subtype is
// PingTypePong. The sequence number of a pong must echo the ping it answers.
type Ping struct {
	PingType uint8  `json:"pingType"`
	Seq      uint32 `json:"seq"`
}

func (ping Ping) Type() MsgType { return MsgTypePing }

func (ping Ping) SizeHint() int {
	return surge.SizeHint(ping.PingType) + surge.SizeHint(ping.Seq)
}

func (ping Ping) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalU8(ping.PingType, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal ping type: %v", err)
	}
	buf, rem, err = surge.MarshalU32(ping.Seq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal seq: %v", err)
	}
	return buf, rem, nil
}

func (ping *Ping) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.UnmarshalU8(&ping.PingType, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal ping type: %v", err)
	}
	buf, rem, err = surge.UnmarshalU32(&ping.Seq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal seq: %v", err)
	}
	return buf, rem, nil
}

// An Endpoint is one advertised peer address, together with the number of
// hops it has travelled from its origin.
type Endpoint struct {
	Addr string `json:"addr"`
	Hops uint32 `json:"hops"`
}

func (ep Endpoint) SizeHint() int {
	return surge.SizeHint(ep.Addr) + surge.SizeHint(ep.Hops)
}

func (ep Endpoint) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.Marshal(ep.Addr, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal addr: %v", err)
	}
	buf, rem, err = surge.MarshalU32(ep.Hops, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal hops: %v", err)
	}
	return buf, rem, nil
}

func (ep *Endpoint) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.Unmarshal(&ep.Addr, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal addr: %v", err)
	}
	buf, rem, err = surge.UnmarshalU32(&ep.Hops, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal hops: %v", err)
	}
	return buf, rem, nil
}

// Endpoints advertises peer addresses known to the sender.
type Endpoints struct {
	Endpoints []Endpoint `json:"endpoints"`
}

func (eps Endpoints) Type() MsgType { return MsgTypeEndpoints }

func (eps Endpoints) SizeHint() int {
	size := surge.SizeHintU32
	for _, ep := range eps.Endpoints {
		size += ep.SizeHint()
	}
	return size
}

func (eps Endpoints) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalU32(uint32(len(eps.Endpoints)), buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal len: %v", err)
	}
	for i := range eps.Endpoints {
		buf, rem, err = eps.Endpoints[i].Marshal(buf, rem)
		if err != nil {
			return buf, rem, fmt.Errorf("marshal endpoint: %v", err)
		}
	}
	return buf, rem, nil
}

func (eps *Endpoints) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	numEndpoints := uint32(0)
	buf, rem, err := surge.UnmarshalU32(&numEndpoints, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal len: %v", err)
	}
	if int(numEndpoints) > rem {
		return buf, rem, fmt.Errorf("unmarshal len: expected at most %v endpoints, got %v", rem, numEndpoints)
	}
	eps.Endpoints = make([]Endpoint, 0, numEndpoints)
	for i := uint32(0); i < numEndpoints; i++ {
		ep := Endpoint{}
		buf, rem, err = ep.Unmarshal(buf, rem)
		if err != nil {
			return buf, rem, fmt.Errorf("unmarshal endpoint: %v", err)
		}
		eps.Endpoints = append(eps.Endpoints, ep)
	}
	return buf, rem, nil
}

// Manifests carries opaque validator manifest blobs.
type Manifests struct {
	Blobs [][]byte `json:"blobs"`
}

func (man Manifests) Type() MsgType { return MsgTypeManifests }

func (man Manifests) SizeHint() int {
	size := surge.SizeHintU32
	for _, blob := range man.Blobs {
		size += surge.SizeHintBytes(blob)
	}
	return size
}

func (man Manifests) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalU32(uint32(len(man.Blobs)), buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal len: %v", err)
	}
	for _, blob := range man.Blobs {
		buf, rem, err = surge.MarshalBytes(blob, buf, rem)
		if err != nil {
			return buf, rem, fmt.Errorf("marshal blob: %v", err)
		}
	}
	return buf, rem, nil
}

func (man *Manifests) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	numBlobs := uint32(0)
	buf, rem, err := surge.UnmarshalU32(&numBlobs, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal len: %v", err)
	}
	if int(numBlobs) > rem {
		return buf, rem, fmt.Errorf("unmarshal len: expected at most %v blobs, got %v", rem, numBlobs)
	}
	man.Blobs = make([][]byte, 0, numBlobs)
	for i := uint32(0); i < numBlobs; i++ {
		blob := []byte{}
		buf, rem, err = surge.Unmarshal(&blob, buf, rem)
		if err != nil {
			return buf, rem, fmt.Errorf("unmarshal blob: %v", err)
		}
		man.Blobs = append(man.Blobs, blob)
	}
	return buf, rem, nil
}

// Transaction relays one opaque serialized transaction.
type Transaction struct {
	RawTx []byte `json:"rawTx"`
}

func (tx Transaction) Type() MsgType { return MsgTypeTransaction }

func (tx Transaction) SizeHint() int {
	return surge.SizeHintBytes(tx.RawTx)
}

func (tx Transaction) Marshal(buf []byte, rem int) ([]byte, int, error) {
	return surge.MarshalBytes(tx.RawTx, buf, rem)
}

func (tx *Transaction) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	return surge.Unmarshal(&tx.RawTx, buf, rem)
}

// GetLedger requests ledger data identified by hash and sequence number.
type GetLedger struct {
	LedgerHash []byte `json:"ledgerHash"`
	Seq        uint32 `json:"seq"`
}

func (get GetLedger) Type() MsgType { return MsgTypeGetLedger }

func (get GetLedger) SizeHint() int {
	return surge.SizeHintBytes(get.LedgerHash) + surge.SizeHint(get.Seq)
}

func (get GetLedger) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalBytes(get.LedgerHash, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal ledger hash: %v", err)
	}
	buf, rem, err = surge.MarshalU32(get.Seq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal seq: %v", err)
	}
	return buf, rem, nil
}

func (get *GetLedger) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.Unmarshal(&get.LedgerHash, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal ledger hash: %v", err)
	}
	buf, rem, err = surge.UnmarshalU32(&get.Seq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal seq: %v", err)
	}
	return buf, rem, nil
}

// LedgerData answers a GetLedger request with the requested nodes.
type LedgerData struct {
	LedgerHash []byte   `json:"ledgerHash"`
	Seq        uint32   `json:"seq"`
	Nodes      [][]byte `json:"nodes"`
}

func (data LedgerData) Type() MsgType { return MsgTypeLedgerData }

func (data LedgerData) SizeHint() int {
	size := surge.SizeHintBytes(data.LedgerHash) + surge.SizeHint(data.Seq) + surge.SizeHintU32
	for _, node := range data.Nodes {
		size += surge.SizeHintBytes(node)
	}
	return size
}

func (data LedgerData) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalBytes(data.LedgerHash, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal ledger hash: %v", err)
	}
	buf, rem, err = surge.MarshalU32(data.Seq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal seq: %v", err)
	}
	buf, rem, err = surge.MarshalU32(uint32(len(data.Nodes)), buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal len: %v", err)
	}
	for _, node := range data.Nodes {
		buf, rem, err = surge.MarshalBytes(node, buf, rem)
		if err != nil {
			return buf, rem, fmt.Errorf("marshal node: %v", err)
		}
	}
	return buf, rem, nil
}

func (data *LedgerData) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.Unmarshal(&data.LedgerHash, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal ledger hash: %v", err)
	}
	buf, rem, err = surge.UnmarshalU32(&data.Seq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal seq: %v", err)
	}
	numNodes := uint32(0)
	buf, rem, err = surge.UnmarshalU32(&numNodes, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal len: %v", err)
	}
	if int(numNodes) > rem {
		return buf, rem, fmt.Errorf("unmarshal len: expected at most %v nodes, got %v", rem, numNodes)
	}
	data.Nodes = make([][]byte, 0, numNodes)
	for i := uint32(0); i < numNodes; i++ {
		node := []byte{}
		buf, rem, err = surge.Unmarshal(&node, buf, rem)
		if err != nil {
			return buf, rem, fmt.Errorf("unmarshal node: %v", err)
		}
		data.Nodes = append(data.Nodes, node)
	}
	return buf, rem, nil
}

// StatusChange announces a change in the sender's ledger status.
type StatusChange struct {
	Status      uint32 `json:"status"`
	LedgerSeq   uint32 `json:"ledgerSeq"`
	NetworkTime uint64 `json:"networkTime"`
}

func (status StatusChange) Type() MsgType { return MsgTypeStatusChange }

func (status StatusChange) SizeHint() int {
	return surge.SizeHint(status.Status) + surge.SizeHint(status.LedgerSeq) + surge.SizeHint(status.NetworkTime)
}

func (status StatusChange) Marshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.MarshalU32(status.Status, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal status: %v", err)
	}
	buf, rem, err = surge.MarshalU32(status.LedgerSeq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal ledger seq: %v", err)
	}
	buf, rem, err = surge.MarshalU64(status.NetworkTime, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("marshal network time: %v", err)
	}
	return buf, rem, nil
}

func (status *StatusChange) Unmarshal(buf []byte, rem int) ([]byte, int, error) {
	buf, rem, err := surge.UnmarshalU32(&status.Status, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal status: %v", err)
	}
	buf, rem, err = surge.UnmarshalU32(&status.LedgerSeq, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal ledger seq: %v", err)
	}
	buf, rem, err = surge.UnmarshalU64(&status.NetworkTime, buf, rem)
	if err != nil {
		return buf, rem, fmt.Errorf("unmarshal network time: %v", err)
	}
	return buf, rem, nil
}
