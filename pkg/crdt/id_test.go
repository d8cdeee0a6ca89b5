package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStamp_After(t *testing.T) {
	tests := []struct {
		name string
		a, b Stamp
		want bool
	}{
		{"higher lamport", Stamp{3, "a"}, Stamp{2, "z"}, true},
		{"lower lamport", Stamp{1, "z"}, Stamp{2, "a"}, false},
		{"tie broken by replica", Stamp{2, "b"}, Stamp{2, "a"}, true},
		{"equal", Stamp{2, "a"}, Stamp{2, "a"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.After(tc.b))
		})
	}
}

func TestClock_NextReservesRange(t *testing.T) {
	c := NewClock("r")
	id, st := c.Next(3)
	assert.Equal(t, ID{"r", 0}, id)
	assert.Equal(t, Stamp{1, "r"}, st)

	id, st = c.Next(1)
	assert.Equal(t, ID{"r", 3}, id)
	assert.Equal(t, uint64(4), st.Lamport)

	c.Observe(10)
	_, st = c.Next(1)
	assert.Equal(t, uint64(11), st.Lamport)
}

func TestClock_SaveRestore(t *testing.T) {
	c := NewClock("r")
	c.Next(2)
	seq, lamport := c.Save()
	c.Next(5)
	c.Restore(seq, lamport)
	id, _ := c.Next(1)
	assert.Equal(t, uint64(2), id.Seq)

	c.SetSeq(1)
	id, _ = c.Next(1)
	assert.Equal(t, uint64(3), id.Seq)
}

func TestStateVector_EncodeDecode(t *testing.T) {
	sv := StateVector{"b": 4, "a": 7}
	got, err := DecodeStateVector(sv.Encode())
	require.NoError(t, err)
	assert.Equal(t, sv, got)
	assert.Equal(t, []string{"a", "b"}, got.Replicas())
	assert.True(t, got.Contains(ID{"a", 6}))
	assert.False(t, got.Contains(ID{"a", 7}))

	// deterministic bytes regardless of map iteration
	assert.Equal(t, sv.Encode(), StateVector{"a": 7, "b": 4}.Encode())
}

func TestDecodeStateVector_Malformed(t *testing.T) {
	_, err := DecodeStateVector([]byte{0x0a, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrMalformedStateVector)

	sv, err := DecodeStateVector(nil)
	require.NoError(t, err)
	assert.Empty(t, sv)
}
