package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingDropsOldest(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Push(Entry{Kind: KindRequest, Endpoint: "e", Method: "POST", Body: i})
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, 2, snap[0].Body)
	require.Equal(t, 3, snap[1].Body)
	require.Equal(t, 4, snap[2].Body)
}

func TestRingPartiallyFilled(t *testing.T) {
	r := New(5)
	r.Push(Entry{Kind: KindResponse, Body: "a"})
	r.Push(Entry{Kind: KindResponse, Body: "b"})
	require.Equal(t, 2, r.Len())
	snap := r.Snapshot()
	require.Equal(t, "a", snap[0].Body)
	require.Equal(t, "b", snap[1].Body)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "request", KindRequest.String())
	require.Equal(t, "response", KindResponse.String())
}
