package fixity

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDataSHA256 = "916f0027a575074ce72a331777c3478d6513f786a591bd892da1a577bf2335f9"

func TestDigest_KnownVector(t *testing.T) {
	e, err := NewEngine(SHA256)
	require.NoError(t, err)

	got, err := e.Digest(context.Background(), io.MultiReader(strings.NewReader("test data"), strings.NewReader("")))
	require.NoError(t, err)
	assert.Equal(t, testDataSHA256, got)

	assert.Equal(t, testDataSHA256, e.DigestChunks([]byte("test data"), []byte("")))
	assert.Equal(t, testDataSHA256, e.DigestChunks([]byte("test "), []byte("data")))
}

func TestDigest_SmallChunksMatchWholeContent(t *testing.T) {
	e, err := NewEngine("")
	require.NoError(t, err)
	e.chunkSize = 3

	got, err := e.Digest(context.Background(), strings.NewReader("test data"))
	require.NoError(t, err)
	assert.Equal(t, testDataSHA256, got)
}

func TestDigest_DetectsSingleByteMutation(t *testing.T) {
	e, err := NewEngine(SHA256)
	require.NoError(t, err)

	content := []byte("the quick brown fox")
	original := e.DigestChunks(content)
	assert.Equal(t, original, e.DigestChunks(content))

	for i := range content {
		mutated := append([]byte(nil), content...)
		mutated[i] ^= 0x01
		assert.NotEqual(t, original, e.DigestChunks(mutated), "byte %d", i)
	}
}

func TestDigestFile(t *testing.T) {
	e, err := NewEngine(SHA256)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bag.tar")
	require.NoError(t, os.WriteFile(path, []byte("test data"), 0o644))

	got, err := e.DigestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, testDataSHA256, got)

	_, err = e.DigestFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestDigest_Cancelled(t *testing.T) {
	e, err := NewEngine(SHA256)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Digest(ctx, strings.NewReader("test data"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngine_Unsupported(t *testing.T) {
	_, err := NewEngine("md4")
	assert.Error(t, err)

	e, err := NewEngine("SHA512")
	require.NoError(t, err)
	assert.Equal(t, SHA512, e.Algorithm())
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(testDataSHA256, strings.ToUpper(testDataSHA256)))
	assert.False(t, Equal(testDataSHA256, testDataSHA256[:63]))
	assert.False(t, Equal("", ""))
}
