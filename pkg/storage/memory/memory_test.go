package memory

import (
	"context"
	"testing"

	"dpn/pkg/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend { return New() })
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := storagetest.SampleEntry("obj-1")
	require.NoError(t, s.PutEntry(ctx, e))
	e.ReplicatingNodes[0] = "mutated"

	got, err := s.GetEntry(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, "chron", string(got.ReplicatingNodes[0]))
}
