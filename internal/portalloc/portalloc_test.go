package portalloc

import (
	"context"
	"testing"

	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	max int
	err error
}

func (s stubSource) MaxHostPort(context.Context) (int, error) { return s.max, s.err }

func TestNext_EmptyCatalogReturnsStart(t *testing.T) {
	a := New(stubSource{max: 0}, 2222, 2322)
	port, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2222, port)
}

func TestNext_ContinuesFromHighWaterMark(t *testing.T) {
	a := New(stubSource{max: 2250}, 2222, 2322)
	port, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2251, port)
}

func TestNext_HighWaterBelowStartIsIgnored(t *testing.T) {
	// A catalog with only ports from an older, lower range in it must not
	// pull the allocator backwards below start.
	a := New(stubSource{max: 100}, 2222, 2322)
	port, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2222, port)
}

func TestNext_LastPortInRangeStillSucceeds(t *testing.T) {
	a := New(stubSource{max: 2321}, 2222, 2322)
	port, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2322, port)
}

func TestNext_ExhaustedRangeFails(t *testing.T) {
	a := New(stubSource{max: 2322}, 2222, 2322)
	_, err := a.Next(context.Background())
	require.Error(t, err)
	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.PortExhausted, kind)
}

func TestNext_CatalogErrorIsWrapped(t *testing.T) {
	a := New(stubSource{err: assertErr{}}, 2222, 2322)
	_, err := a.Next(context.Background())
	require.Error(t, err)
	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.InternalHypervisorError, kind)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
