package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalEmbedEmptyStringReturnsZeroVector(t *testing.T) {
	m := NewLocal(8)
	res, err := m.Embed(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, ZeroVector(8), res.Dense)
}

func TestLocalEmbedIsDeterministic(t *testing.T) {
	m := NewLocal(16)
	r1, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	r2, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Equal(t, r1.Dense, r2.Dense)
}

func TestLocalEmbedDiffersForDifferentText(t *testing.T) {
	m := NewLocal(16)
	r1, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	r2, err := m.Embed(context.Background(), "goodbye moon")
	require.NoError(t, err)
	require.NotEqual(t, r1.Dense, r2.Dense)
}

func TestLocalEmbedManyPreservesPositionalAlignmentForEmptyEntries(t *testing.T) {
	m := NewLocal(8)
	results, err := m.EmbedMany(context.Background(), []string{"alpha", "", "beta"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, ZeroVector(8), results[1].Dense)
	require.NotEqual(t, ZeroVector(8), results[0].Dense)
}

func TestLocalEmbedManyEmptyBatchReturnsEmptySlice(t *testing.T) {
	m := NewLocal(8)
	results, err := m.EmbedMany(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSelectPrefersRemoteWhenAPIKeyPresent(t *testing.T) {
	remote := NewLocal(4)
	local := NewLocal(4)
	require.Same(t, remote, Select("key", remote, local))
	require.Same(t, local, Select("", remote, local))
}
