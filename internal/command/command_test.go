package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cmd := Command{
		Type:             TypeAcquire,
		RequestID:        "req-1",
		LockID:           "orders",
		RequesterID:      "worker-7",
		Mode:             ModeExclusive,
		TimeoutMs:        5000,
		EnqueuedAtUnixMs: 1700000000000,
	}

	data, err := Encode(cmd)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, cmd, got)
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	data, err := Encode(Command{Type: Type(42), RequestID: "x"})
	require.NoError(t, err)

	_, err = Decode(data)
	require.Error(t, err)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not a gob stream")); err == nil {
		t.Fatal("expected error, got none")
	}
}

func TestNewAcquire_MintsUniqueRequestIDs(t *testing.T) {
	a := NewAcquire("l1", "r1", ModeShared, 0)
	b := NewAcquire("l1", "r1", ModeShared, 0)

	if a.RequestID == b.RequestID {
		t.Fatalf("expected distinct request IDs, both were %s", a.RequestID)
	}
	if a.Type != TypeAcquire || a.Mode != ModeShared {
		t.Errorf("unexpected command shape: %+v", a)
	}
}

func TestNewExpire_CarriesTargetRequestID(t *testing.T) {
	e := NewExpire("req-9")
	if e.Type != TypeExpire || e.RequestID != "req-9" {
		t.Errorf("unexpected expire command: %+v", e)
	}
}
