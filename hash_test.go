package simcache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("artifact payload"))
	h2 := HashBytes([]byte("artifact payload"))
	h3 := HashBytes([]byte("different payload"))

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.False(t, h1.IsZero())
	require.Len(t, h1.String(), HashSize*2)
}

func TestHashingWriter(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)

	_, err := hw.Write([]byte("chunk one "))
	require.NoError(t, err)
	_, err = hw.Write([]byte("chunk two"))
	require.NoError(t, err)

	require.Equal(t, "chunk one chunk two", buf.String())
	require.Equal(t, int64(buf.Len()), hw.BytesWritten())
	require.Equal(t, HashBytes([]byte("chunk one chunk two")), hw.Sum())
}
