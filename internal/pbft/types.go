package pbft

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
)

type Phase uint8

const (
	PhasePrePrepare Phase = iota + 1
	PhasePrepare
	PhaseCommit
	PhaseViewChange
	PhaseNewView
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre_prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseViewChange:
		return "view_change"
	case PhaseNewView:
		return "new_view"
	default:
		return "unknown"
	}
}

// Message is the single wire envelope for all five phases. Payload is set on
// PrePrepare; Prepared carries proofs on ViewChange and the re-proposals on
// NewView. Auth covers every field except itself.
type Message struct {
	Phase    Phase
	View     uint64
	Seq      uint64
	Digest   [32]byte
	SenderID uint64
	Payload  []byte
	Prepared []PreparedProof
	Auth     []byte
}

// PreparedProof records a request that reached the prepared state but was
// not yet executed when its view ended.
type PreparedProof struct {
	View    uint64
	Seq     uint64
	Digest  [32]byte
	Payload []byte
}

func (m *Message) signingBytes() []byte {
	c := *m
	c.Auth = nil
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&c); err != nil {
		// Message is a plain value type; encoding cannot fail on valid input.
		panic(err)
	}
	return buf.Bytes()
}

func digestOf(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// Transport delivers a message to every other replica. Delivery is best
// effort: the protocol's quorums absorb lost or delayed messages.
type Transport interface {
	Broadcast(ctx context.Context, msg *Message) error
}
