package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewID ensures generated IDs are unique version 7 UUIDs.
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
	assert.Equal(t, goUUID.Version(7), parsed.Version())
	assert.Less(t, id1, id2, "v7 ids sort by creation time")
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Valid("0190b3c4-8f6a-7cc1-9a43-2f1a3c7d5e10"))
	assert.False(t, Valid("job-1"))
	assert.False(t, Valid(""))
}
