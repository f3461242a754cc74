package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	_, err = goUUID.Parse(id1)
	require.NoError(t, err)
}

func TestGeneratorNewToken(t *testing.T) {
	t.Parallel()

	gen := New()
	a, err := gen.NewToken()
	require.NoError(t, err)
	b, err := gen.NewToken()
	require.NoError(t, err)

	require.False(t, a.IsZero())
	require.NotEqual(t, a, b)
	require.Equal(t, goUUID.Version(7), goUUID.UUID(a).Version())
}
