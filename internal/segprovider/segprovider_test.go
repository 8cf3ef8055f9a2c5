package segprovider

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestNewFixedArenaProviderValidatesPageSize(t *testing.T) {
	_, err := NewFixedArenaProvider(15, 4096)
	require.Error(t, err)

	_, err = NewFixedArenaProvider(17, 4096)
	require.Error(t, err)

	_, err = NewFixedArenaProvider(16, 0)
	require.Error(t, err)
}

func TestInitSegmentWithinReservation(t *testing.T) {
	p, err := NewFixedArenaProvider(4096, 3*4096)
	require.NoError(t, err)

	base, err := p.InitSegment(3)
	require.NoError(t, err)
	require.NotNil(t, base)
	require.Equal(t, int64(3*4096), p.SegmentSize())
}

func TestInitSegmentExceedsReservation(t *testing.T) {
	p, err := NewFixedArenaProvider(4096, 3*4096)
	require.NoError(t, err)

	_, err = p.InitSegment(4)
	require.Error(t, err)
}

func TestExtendSegmentContiguous(t *testing.T) {
	p, err := NewFixedArenaProvider(4096, 10*4096)
	require.NoError(t, err)

	base, err := p.InitSegment(3)
	require.NoError(t, err)

	ext, err := p.ExtendSegment(2)
	require.NoError(t, err)
	require.Equal(t, unsafe.Add(base, 3*4096), ext)
	require.Equal(t, int64(5*4096), p.SegmentSize())
}

func TestExtendSegmentExceedsReservation(t *testing.T) {
	p, err := NewFixedArenaProvider(4096, 4*4096)
	require.NoError(t, err)

	_, err = p.InitSegment(3)
	require.NoError(t, err)

	_, err = p.ExtendSegment(2)
	require.Error(t, err)
}

func TestRoundup(t *testing.T) {
	require.Equal(t, int64(4096), roundup(1, 4096))
	require.Equal(t, int64(4096), roundup(4096, 4096))
	require.Equal(t, int64(8192), roundup(4097, 4096))
}
