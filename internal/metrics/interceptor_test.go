package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitFullMethod(t *testing.T) {
	cases := []struct {
		in      string
		service string
		method  string
	}{
		{"/lockmesh.Raft/AppendEntries", "raft", "AppendEntries"},
		{"/lockmesh.PBFT/Deliver", "pbft", "Deliver"},
		{"/lockmesh.Lock/Acquire", "lock", "Acquire"},
		{"/Health/Check", "health", "Check"},
		{"garbage", "unknown", "garbage"},
		{"", "unknown", ""},
	}

	for _, tc := range cases {
		service, method := splitFullMethod(tc.in)
		require.Equal(t, tc.service, service, "input %q", tc.in)
		require.Equal(t, tc.method, method, "input %q", tc.in)
	}
}
