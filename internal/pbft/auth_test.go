package pbft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHMACAuthenticator_SignVerify(t *testing.T) {
	auth := NewHMACAuthenticator([]byte("cluster-secret"))

	msg := &Message{
		Phase:    PhasePrePrepare,
		View:     1,
		Seq:      7,
		Digest:   digestOf([]byte("payload")),
		SenderID: 2,
		Payload:  []byte("payload"),
	}
	msg.Auth = auth.Sign(msg)

	require.True(t, auth.Verify(msg))
}

func TestHMACAuthenticator_RejectsTampering(t *testing.T) {
	auth := NewHMACAuthenticator([]byte("cluster-secret"))

	msg := &Message{Phase: PhaseCommit, View: 1, Seq: 3, SenderID: 4}
	msg.Auth = auth.Sign(msg)

	msg.Seq = 4
	require.False(t, auth.Verify(msg), "mutated field must invalidate the tag")
}

func TestHMACAuthenticator_RejectsWrongKey(t *testing.T) {
	signer := NewHMACAuthenticator([]byte("key-a"))
	verifier := NewHMACAuthenticator([]byte("key-b"))

	msg := &Message{Phase: PhasePrepare, View: 0, Seq: 1, SenderID: 3}
	msg.Auth = signer.Sign(msg)

	require.False(t, verifier.Verify(msg))
}

func TestHMACAuthenticator_RejectsMissingTag(t *testing.T) {
	auth := NewHMACAuthenticator([]byte("cluster-secret"))
	require.False(t, auth.Verify(&Message{Phase: PhaseCommit, View: 1, Seq: 1}))
}
