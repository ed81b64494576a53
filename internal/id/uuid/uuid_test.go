package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewID ensures generated IDs are unique, valid and version 7.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

// TestGeneratorOrdered checks successive raw IDs sort by creation time.
func TestGeneratorOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewRawID()
	require.NoError(t, err)
	second, err := gen.NewRawID()
	require.NoError(t, err)
	require.Less(t, first.String(), second.String())
}

// TestParse rejects malformed identifiers.
func TestParse(t *testing.T) {
	t.Parallel()

	_, err := Parse("not-a-uuid")
	require.ErrorContains(t, err, "parse run id")

	id := goUUID.New()
	got, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)
}
