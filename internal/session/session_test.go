package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrySend(t *testing.T) {
	s := New("alice", nil, 2, nil)

	require.True(t, s.TrySend([]byte("one")))
	require.True(t, s.TrySend([]byte("two")))
	require.False(t, s.TrySend([]byte("three")), "buffer full")

	require.Equal(t, []byte("one"), <-s.Outbound())
	require.True(t, s.TrySend([]byte("three")))
}

func TestTrySend_AfterClose(t *testing.T) {
	s := New("alice", nil, 2, nil)
	s.Close(nil)

	require.True(t, s.Closed())
	require.False(t, s.TrySend([]byte("late")))
}

func TestClose_Idempotent(t *testing.T) {
	s := New("alice", nil, 2, nil)
	s.Close(nil)
	s.Close(nil)
	require.True(t, s.Closed())
}

func TestSessionIDsUnique(t *testing.T) {
	a := New("alice", nil, 2, nil)
	b := New("alice", nil, 2, nil)
	require.NotEqual(t, a.ID, b.ID)
}
